// Package segment splits a horizontally concatenated multi-view image into its
// views by looking for runs of columns that contain any visible pixel.
//
// Columns outside the image are treated as transparent, so a view touching the
// left or right border still produces a run.
package segment

import (
	"context"
	"fmt"
	"image"
	"image/draw"
)

// Run is an inclusive column range [Start, End] of a composite image.
type Run struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (r Run) Width() int { return r.End - r.Start + 1 }

// SubImage is one view cut out of a composite.
type SubImage struct {
	Run
	Image *image.NRGBA
}

// Preprocessor cleans up a single view before it is handed back to callers.
type Preprocessor interface {
	Preprocess(ctx context.Context, img image.Image) (image.Image, error)
}

// OpaqueColumns reports, per column, whether any pixel of that column has a
// non-zero alpha.
func OpaqueColumns(img image.Image) []bool {
	b := img.Bounds()
	cols := make([]bool, b.Dx())

	if n, ok := img.(*image.NRGBA); ok {
		for x := 0; x < b.Dx(); x++ {
			off := x*4 + 3
			for y := 0; y < b.Dy(); y++ {
				if n.Pix[y*n.Stride+off] != 0 {
					cols[x] = true
					break
				}
			}
		}
		return cols
	}
	if r, ok := img.(*image.RGBA); ok {
		for x := 0; x < b.Dx(); x++ {
			off := x*4 + 3
			for y := 0; y < b.Dy(); y++ {
				if r.Pix[y*r.Stride+off] != 0 {
					cols[x] = true
					break
				}
			}
		}
		return cols
	}

	for x := b.Min.X; x < b.Max.X; x++ {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			if _, _, _, a := img.At(x, y).RGBA(); a != 0 {
				cols[x-b.Min.X] = true
				break
			}
		}
	}
	return cols
}

// Runs returns the maximal runs of opaque columns, left to right.
func Runs(opaque []bool) []Run {
	var starts, ends []int
	for x := range opaque {
		prev := x > 0 && opaque[x-1]
		next := x+1 < len(opaque) && opaque[x+1]
		if opaque[x] && !prev {
			starts = append(starts, x)
		}
		if opaque[x] && !next {
			ends = append(ends, x)
		}
	}

	// With out-of-range neighbours treated as transparent every start has a
	// matching end; the k-th start pairs with the k-th end.
	runs := make([]Run, 0, len(starts))
	for k := range starts {
		runs = append(runs, Run{Start: starts[k], End: ends[k]})
	}
	return runs
}

// Crop copies the columns of run (relative to the image bounds) into a new
// image anchored at the origin.
func Crop(img image.Image, run Run) *image.NRGBA {
	b := img.Bounds()
	src := image.Rect(b.Min.X+run.Start, b.Min.Y, b.Min.X+run.End+1, b.Max.Y)
	dst := image.NewNRGBA(image.Rect(0, 0, src.Dx(), src.Dy()))
	draw.Draw(dst, dst.Bounds(), img, src.Min, draw.Src)
	return dst
}

// Split cuts img into one sub-image per opaque column run. An image without
// any visible pixel yields an empty, non-nil slice.
func Split(img image.Image) []SubImage {
	runs := Runs(OpaqueColumns(img))
	out := make([]SubImage, 0, len(runs))
	for _, r := range runs {
		out = append(out, SubImage{Run: r, Image: Crop(img, r)})
	}
	return out
}

// SplitAndPreprocess runs Split and passes every view through pre.
func SplitAndPreprocess(ctx context.Context, img image.Image, pre Preprocessor) ([]SubImage, error) {
	subs := Split(img)
	for i := range subs {
		processed, err := pre.Preprocess(ctx, subs[i].Image)
		if err != nil {
			return nil, fmt.Errorf("preprocess view %d [%d,%d]: %w", i, subs[i].Start, subs[i].End, err)
		}
		subs[i].Image = toNRGBA(processed)
	}
	return subs, nil
}

func toNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) {
		return n
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
