// Package visualization renders orthogonal slice previews of a converted
// volume so the operator can check orientation and windowing before running a
// segmentation.
package visualization

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"dicomseg/internal/models"
)

// Default CT display window in Hounsfield units.
const (
	DefaultWindowCenter = 0.0
	DefaultWindowWidth  = 2000.0
)

// ErrAxis is returned for an axis other than x, y or z.
var ErrAxis = errors.New("visualization: invalid axis (must be x, y, or z)")

// Viewer extracts slices from a volume along its voxel axes.
type Viewer struct {
	vol *models.Volume

	// windowCenter and windowWidth map rescaled values to gray levels
	windowCenter float64
	windowWidth  float64
}

// NewViewer creates a viewer over vol with the default CT window.
func NewViewer(vol *models.Volume) *Viewer {
	return &Viewer{
		vol:          vol,
		windowCenter: DefaultWindowCenter,
		windowWidth:  DefaultWindowWidth,
	}
}

// SetWindow changes the display window. Non-positive widths are ignored.
func (v *Viewer) SetWindow(center, width float64) {
	if width <= 0 {
		return
	}
	v.windowCenter = center
	v.windowWidth = width
}

// gray maps a rescaled value through the window.
func (v *Viewer) gray(value float64) uint8 {
	lo := v.windowCenter - v.windowWidth/2
	t := (value - lo) / v.windowWidth
	return uint8(math.Round(math.Max(0, math.Min(1, t)) * 255))
}

// axisLen returns the number of slices along axis.
func (v *Viewer) axisLen(axis string) (int, error) {
	switch strings.ToLower(axis) {
	case "x":
		return v.vol.Width, nil
	case "y":
		return v.vol.Height, nil
	case "z":
		return v.vol.Depth, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrAxis, axis)
}

// ExtractSlice returns the windowed slice at position along axis. Images of
// the x and y axes put the last slice of the volume at the top.
func (v *Viewer) ExtractSlice(axis string, position int) (*image.Gray, error) {
	n, err := v.axisLen(axis)
	if err != nil {
		return nil, err
	}
	if position < 0 || position >= n {
		return nil, fmt.Errorf("visualization: position %d out of range [0,%d) on axis %s", position, n, axis)
	}

	vol := v.vol
	var img *image.Gray
	switch strings.ToLower(axis) {
	case "x":
		// YZ plane
		img = image.NewGray(image.Rect(0, 0, vol.Height, vol.Depth))
		for z := 0; z < vol.Depth; z++ {
			for y := 0; y < vol.Height; y++ {
				img.SetGray(y, vol.Depth-1-z, color.Gray{Y: v.gray(vol.Value(position, y, z))})
			}
		}
	case "y":
		// XZ plane
		img = image.NewGray(image.Rect(0, 0, vol.Width, vol.Depth))
		for z := 0; z < vol.Depth; z++ {
			for x := 0; x < vol.Width; x++ {
				img.SetGray(x, vol.Depth-1-z, color.Gray{Y: v.gray(vol.Value(x, position, z))})
			}
		}
	default:
		// XY plane
		img = image.NewGray(image.Rect(0, 0, vol.Width, vol.Height))
		for y := 0; y < vol.Height; y++ {
			for x := 0; x < vol.Width; x++ {
				img.SetGray(x, y, color.Gray{Y: v.gray(vol.Value(x, y, position))})
			}
		}
	}
	return img, nil
}

// pixelSize returns the physical size in mm of one image pixel for slices
// along axis.
func (v *Viewer) pixelSize(axis string) (w, h float64) {
	sp := v.vol.Spacing
	switch strings.ToLower(axis) {
	case "x":
		return sp.Y, sp.Z
	case "y":
		return sp.X, sp.Z
	}
	return sp.X, sp.Y
}

// Render extracts a slice and resamples it so one pixel covers the same
// physical distance in both directions.
func (v *Viewer) Render(axis string, position int) (image.Image, error) {
	img, err := v.ExtractSlice(axis, position)
	if err != nil {
		return nil, err
	}
	pw, ph := v.pixelSize(axis)
	if pw <= 0 || ph <= 0 || pw == ph {
		return img, nil
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	// Stretch the coarser direction; never shrink.
	if ph > pw {
		h = int(math.Round(float64(h) * ph / pw))
	} else {
		w = int(math.Round(float64(w) * pw / ph))
	}
	return imaging.Resize(img, w, h, imaging.Lanczos), nil
}

// SaveSlice writes img to filename. The format follows the extension
// (.png, .jpg, ...).
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	if err := imaging.Save(img, filename, imaging.JPEGQuality(90)); err != nil {
		return fmt.Errorf("visualization: saving %s: %w", filename, err)
	}
	return nil
}

// SaveMidSlices renders the middle slice along each axis into outputDir and
// returns the written files in x, y, z order.
func (v *Viewer) SaveMidSlices(outputDir string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}
	var paths []string
	for _, axis := range []string{"x", "y", "z"} {
		n, _ := v.axisLen(axis)
		img, err := v.Render(axis, n/2)
		if err != nil {
			return paths, err
		}
		path := filepath.Join(outputDir, fmt.Sprintf("preview_%s.png", axis))
		if err := v.SaveSlice(img, path); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// SaveSliceSequence renders every slice along axis into outputDir.
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	n, err := v.axisLen(axis)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}
	for pos := 0; pos < n; pos++ {
		img, err := v.Render(axis, pos)
		if err != nil {
			return err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", strings.ToLower(axis), pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}
	return nil
}
