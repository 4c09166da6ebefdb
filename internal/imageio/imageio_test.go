package imageio

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checker() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, 4, 3))
	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			if (x+y)%2 == 0 {
				img.SetNRGBA(x, y, color.NRGBA{R: 255, A: 255})
			}
		}
	}
	return img
}

func TestPNGRoundTrip(t *testing.T) {
	src := checker()
	b64, err := PNGBase64(src)
	require.NoError(t, err)

	img, err := DecodeBase64("data:image/png;base64," + b64)
	require.NoError(t, err)
	require.Equal(t, src.Bounds(), img.Bounds())
	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			assert.Equal(t, src.NRGBAAt(x, y), color.NRGBAModel.Convert(img.At(x, y)))
		}
	}
}

func TestSniff(t *testing.T) {
	data, err := PNGBytes(checker())
	require.NoError(t, err)
	ext, err := Sniff(data)
	require.NoError(t, err)
	assert.Equal(t, "png", ext)

	var jpg bytes.Buffer
	require.NoError(t, jpeg.Encode(&jpg, checker(), nil))
	ext, err = Sniff(jpg.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "jpg", ext)

	_, err = Sniff([]byte("GIF89a........"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = Decode([]byte("plain text"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestReadAllRejectsOversize(t *testing.T) {
	_, err := ReadAll(bytes.NewReader(make([]byte, MaxUploadBytes+10)))
	assert.Error(t, err)
}
