package main

import (
	"bytes"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/splatforge/internal/imageio"
)

func TestSplitCommandWritesViews(t *testing.T) {
	composite := image.NewNRGBA(image.Rect(0, 0, 30, 8))
	for y := 1; y < 7; y++ {
		for _, x := range []int{0, 1, 2, 20, 21, 22, 23, 29} {
			composite.SetNRGBA(x, y, color.NRGBA{R: 255, A: 255})
		}
	}
	data, err := imageio.PNGBytes(composite)
	require.NoError(t, err)

	in := filepath.Join(t.TempDir(), "composite.png")
	require.NoError(t, os.WriteFile(in, data, 0o644))
	outDir := filepath.Join(t.TempDir(), "views")

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetArgs([]string{"split", in, "-o", outDir})
	require.NoError(t, rootCmd.Execute())

	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"view_00_0-2.png", "view_01_20-23.png", "view_02_29-29.png"}, names)
	assert.Contains(t, stdout.String(), "columns 20-23")
}

func TestSplitCommandRejectsNonImage(t *testing.T) {
	in := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(in, []byte("not an image"), 0o644))

	rootCmd.SetArgs([]string{"split", in, "-o", t.TempDir()})
	assert.Error(t, rootCmd.Execute())
}
