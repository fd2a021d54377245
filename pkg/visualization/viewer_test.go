package visualization

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dicomseg/internal/models"
)

// testVolume returns a volume whose value at (x, y, z) is 100*z - 1000 HU.
func testVolume(width, height, depth int) *models.Volume {
	vol := &models.Volume{
		Width:            width,
		Height:           height,
		Depth:            depth,
		Data:             make([]uint16, width*height*depth),
		RescaleSlope:     1,
		RescaleIntercept: -1000,
	}
	vol.Spacing.X, vol.Spacing.Y, vol.Spacing.Z = 1, 1, 1
	for z := 0; z < depth; z++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				vol.Data[vol.Index(x, y, z)] = uint16(100 * z)
			}
		}
	}
	return vol
}

func TestExtractSlice(t *testing.T) {
	vol := testVolume(6, 4, 5)
	v := NewViewer(vol)

	// Axial slice 0 is -1000 HU, the bottom of the default window.
	img, err := v.ExtractSlice("z", 0)
	require.NoError(t, err)
	assert.Equal(t, 6, img.Bounds().Dx())
	assert.Equal(t, 4, img.Bounds().Dy())
	assert.Equal(t, uint8(0), img.GrayAt(3, 2).Y)

	// Axial slice 4 is -600 HU.
	img, err = v.ExtractSlice("Z", 4)
	require.NoError(t, err)
	assert.Equal(t, uint8(51), img.GrayAt(0, 0).Y)

	// Coronal slices put the last axial slice on top.
	img, err = v.ExtractSlice("y", 1)
	require.NoError(t, err)
	assert.Equal(t, 6, img.Bounds().Dx())
	assert.Equal(t, 5, img.Bounds().Dy())
	assert.Equal(t, uint8(51), img.GrayAt(0, 0).Y)
	assert.Equal(t, uint8(0), img.GrayAt(0, 4).Y)

	img, err = v.ExtractSlice("x", 5)
	require.NoError(t, err)
	assert.Equal(t, 4, img.Bounds().Dx())
	assert.Equal(t, 5, img.Bounds().Dy())
}

func TestExtractSliceErrors(t *testing.T) {
	v := NewViewer(testVolume(3, 3, 3))

	_, err := v.ExtractSlice("w", 0)
	assert.ErrorIs(t, err, ErrAxis)

	for _, pos := range []int{-1, 3} {
		_, err := v.ExtractSlice("z", pos)
		assert.Error(t, err, "position %d", pos)
	}
}

func TestWindow(t *testing.T) {
	v := NewViewer(testVolume(1, 1, 1))
	assert.Equal(t, uint8(0), v.gray(-2000))
	assert.Equal(t, uint8(128), v.gray(0))
	assert.Equal(t, uint8(255), v.gray(3000))

	v.SetWindow(40, 400)
	assert.Equal(t, uint8(0), v.gray(-160))
	assert.Equal(t, uint8(255), v.gray(240))

	v.SetWindow(0, 0)
	assert.Equal(t, 400.0, v.windowWidth)
}

func TestRenderKeepsPhysicalAspect(t *testing.T) {
	vol := testVolume(10, 8, 4)
	vol.Spacing.X, vol.Spacing.Y, vol.Spacing.Z = 0.5, 0.5, 2.0
	v := NewViewer(vol)

	img, err := v.Render("y", 0)
	require.NoError(t, err)
	assert.Equal(t, 10, img.Bounds().Dx())
	assert.Equal(t, 16, img.Bounds().Dy())

	img, err = v.Render("z", 0)
	require.NoError(t, err)
	assert.Equal(t, 10, img.Bounds().Dx())
	assert.Equal(t, 8, img.Bounds().Dy())
}

func TestSaveMidSlices(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "preview")
	v := NewViewer(testVolume(8, 6, 4))

	paths, err := v.SaveMidSlices(dir)
	require.NoError(t, err)
	require.Len(t, paths, 3)
	for i, axis := range []string{"x", "y", "z"} {
		assert.Equal(t, filepath.Join(dir, "preview_"+axis+".png"), paths[i])
	}

	img, err := imaging.Open(paths[2])
	require.NoError(t, err)
	assert.Equal(t, 8, img.Bounds().Dx())
	assert.Equal(t, 6, img.Bounds().Dy())
}

func TestSaveSliceSequence(t *testing.T) {
	dir := t.TempDir()
	v := NewViewer(testVolume(4, 4, 3))

	require.NoError(t, v.SaveSliceSequence("z", dir))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
	assert.FileExists(t, filepath.Join(dir, "slice_z_002.jpg"))

	assert.ErrorIs(t, v.SaveSliceSequence("q", dir), ErrAxis)
}
