// Package video turns rendered turntable frames into the preview clip.
package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// Encoder writes a frame sequence to path. Implementations must leave any
// existing file at path untouched when they fail.
type Encoder interface {
	Encode(ctx context.Context, frames []*image.NRGBA, fps int, path string) error
}

// FFmpegEncoder pipes raw RGBA frames into an ffmpeg process producing
// H.264 mp4.
type FFmpegEncoder struct {
	binary string
}

func NewFFmpegEncoder(binary string) *FFmpegEncoder {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpegEncoder{binary: binary}
}

// Available reports whether the ffmpeg binary can be found.
func (e *FFmpegEncoder) Available() bool {
	_, err := exec.LookPath(e.binary)
	return err == nil
}

func (e *FFmpegEncoder) Encode(ctx context.Context, frames []*image.NRGBA, fps int, path string) error {
	if len(frames) == 0 {
		return errors.New("encode video: no frames")
	}
	if fps <= 0 {
		return fmt.Errorf("encode video: fps %d", fps)
	}
	size := frames[0].Bounds().Size()
	readers := make([]io.Reader, 0, len(frames))
	for i, f := range frames {
		if f.Bounds().Size() != size {
			return fmt.Errorf("encode video: frame %d is %v, want %v", i, f.Bounds().Size(), size)
		}
		readers = append(readers, bytes.NewReader(packedPix(f)))
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".preview-*.mp4")
	if err != nil {
		return fmt.Errorf("encode video: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", strconv.Itoa(size.X) + "x" + strconv.Itoa(size.Y),
		"-r", strconv.Itoa(fps),
		"-i", "-",
		"-vf", "pad=ceil(iw/2)*2:ceil(ih/2)*2",
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		"-f", "mp4",
		tmpPath,
	}
	cmd := exec.CommandContext(ctx, e.binary, args...)
	cmd.Stdin = io.MultiReader(readers...)
	cmd.Stdout = io.Discard
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		detail := strings.TrimSpace(stderr.String())
		if len(detail) > 4<<10 {
			detail = strings.TrimSpace(detail[len(detail)-(4<<10):])
		}
		if detail == "" {
			detail = err.Error()
		}
		return fmt.Errorf("ffmpeg failed: %s", detail)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("encode video: %w", err)
	}
	return nil
}

// packedPix returns f's pixels without row padding.
func packedPix(f *image.NRGBA) []byte {
	b := f.Bounds()
	rowLen := 4 * b.Dx()
	if f.Stride == rowLen && len(f.Pix) == rowLen*b.Dy() {
		return f.Pix
	}
	out := make([]byte, 0, rowLen*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := f.PixOffset(b.Min.X, y)
		out = append(out, f.Pix[off:off+rowLen]...)
	}
	return out
}

// SideBySide places the i-th frame of right next to the i-th frame of left.
func SideBySide(left, right []*image.NRGBA) ([]*image.NRGBA, error) {
	if len(left) != len(right) {
		return nil, fmt.Errorf("side by side: %d and %d frames", len(left), len(right))
	}
	out := make([]*image.NRGBA, len(left))
	for i := range left {
		lb, rb := left[i].Bounds(), right[i].Bounds()
		h := max(lb.Dy(), rb.Dy())
		dst := image.NewNRGBA(image.Rect(0, 0, lb.Dx()+rb.Dx(), h))
		draw.Draw(dst, image.Rect(0, 0, lb.Dx(), lb.Dy()), left[i], lb.Min, draw.Src)
		draw.Draw(dst, image.Rect(lb.Dx(), 0, lb.Dx()+rb.Dx(), rb.Dy()), right[i], rb.Min, draw.Src)
		out[i] = dst
	}
	return out, nil
}
