// Package imageio sniffs, decodes and encodes the images that cross the API
// and engine boundaries.
package imageio

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"strings"

	"github.com/h2non/filetype"
	"golang.org/x/image/webp"
)

// MaxUploadBytes caps a single decoded upload.
const MaxUploadBytes = 32 << 20

var ErrUnsupportedFormat = errors.New("unsupported image format")

// Sniff reports the image extension detected from the leading bytes of data.
func Sniff(data []byte) (string, error) {
	head := data
	if len(head) > 261 {
		head = head[:261]
	}
	kind, err := filetype.Match(head)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	if kind == filetype.Unknown {
		return "", ErrUnsupportedFormat
	}
	switch kind.Extension {
	case "png", "jpg", "webp":
		return kind.Extension, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, kind.MIME.Value)
	}
}

// Decode decodes a PNG, JPEG or WebP image after sniffing its format.
func Decode(data []byte) (image.Image, error) {
	if len(data) > MaxUploadBytes {
		return nil, fmt.Errorf("image is %d bytes, limit is %d", len(data), MaxUploadBytes)
	}
	ext, err := Sniff(data)
	if err != nil {
		return nil, err
	}
	r := bytes.NewReader(data)
	var img image.Image
	switch ext {
	case "png":
		img, err = png.Decode(r)
	case "jpg":
		img, err = jpeg.Decode(r)
	case "webp":
		img, err = webp.Decode(r)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", ext, err)
	}
	return img, nil
}

// DecodeBase64 accepts plain base64 or a data URL.
func DecodeBase64(s string) (image.Image, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		if i := strings.IndexByte(s, ','); i >= 0 {
			s = s[i+1:]
		}
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode base64 image: %w", err)
	}
	return Decode(data)
}

// ReadAll reads at most MaxUploadBytes from r and decodes the result.
func ReadAll(r io.Reader) (image.Image, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxUploadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	return Decode(data)
}

func EncodePNG(w io.Writer, img image.Image) error {
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	return enc.Encode(w, img)
}

func PNGBytes(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodePNG(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PNGBase64 is the inverse of DecodeBase64 for PNG output.
func PNGBase64(img image.Image) (string, error) {
	data, err := PNGBytes(img)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
