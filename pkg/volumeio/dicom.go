package volumeio

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg" // encapsulated baseline JPEG frames
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	"gonum.org/v1/gonum/spatial/r3"

	"dicomseg/internal/models"
)

// errNotImage marks files that are DICOM but carry no image (DICOMDIR,
// structured reports, ...).
var errNotImage = errors.New("no pixel data")

// readSlice decodes one DICOM file. A non-nil error means the file is not a
// usable image slice and should be skipped; pixel decoding failures are
// reported through Slice.DecodeErr instead so the caller can decide once the
// series is known.
func readSlice(path string) (*models.Slice, error) {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return nil, err
	}

	s := &models.Slice{
		Filename:     filepath.Base(path),
		RescaleSlope: 1,
	}

	rows, err := intValue(ds, tag.Rows)
	if err != nil {
		return nil, errNotImage
	}
	cols, err := intValue(ds, tag.Columns)
	if err != nil {
		return nil, errNotImage
	}
	s.Rows, s.Columns = rows, cols

	pixelElem, err := ds.FindElementByTag(tag.PixelData)
	if err != nil || pixelElem.Value.ValueType() != dicom.PixelData {
		return nil, errNotImage
	}

	if uid, err := stringValue(ds, tag.SeriesInstanceUID); err == nil {
		s.SeriesUID = uid
	}
	if n, err := intValue(ds, tag.InstanceNumber); err == nil {
		s.InstanceNumber = n
	}
	if rep, err := intValue(ds, tag.PixelRepresentation); err == nil {
		s.Signed = rep == 1
	}
	if v, err := floatValues(ds, tag.RescaleSlope); err == nil && len(v) > 0 && v[0] != 0 {
		s.RescaleSlope = v[0]
	}
	if v, err := floatValues(ds, tag.RescaleIntercept); err == nil && len(v) > 0 {
		s.RescaleIntercept = v[0]
	}
	if v, err := floatValues(ds, tag.SliceThickness); err == nil && len(v) > 0 {
		s.Thickness = v[0]
	}

	s.PixelSpacing = [2]float64{1, 1}
	if v, err := floatValues(ds, tag.PixelSpacing); err == nil && len(v) == 2 {
		// PixelSpacing is (row spacing, column spacing).
		s.PixelSpacing = [2]float64{v[1], v[0]}
	}

	pos, errPos := floatValues(ds, tag.ImagePositionPatient)
	orient, errOrient := floatValues(ds, tag.ImageOrientationPatient)
	if errPos == nil && errOrient == nil && len(pos) == 3 && len(orient) == 6 {
		s.HasPosition = true
		s.Position = r3.Vec{X: pos[0], Y: pos[1], Z: pos[2]}
		s.RowCosine = r3.Vec{X: orient[0], Y: orient[1], Z: orient[2]}
		s.ColumnCosine = r3.Vec{X: orient[3], Y: orient[4], Z: orient[5]}
	} else {
		s.RowCosine = r3.Vec{X: 1}
		s.ColumnCosine = r3.Vec{Y: 1}
	}

	s.Pixels, s.DecodeErr = decodePixels(dicom.MustGetPixelDataInfo(pixelElem.Value), rows, cols)
	return s, nil
}

// decodePixels returns the first frame as raw 16-bit samples.
func decodePixels(info dicom.PixelDataInfo, rows, cols int) ([]uint16, error) {
	if info.IntentionallySkipped {
		return nil, errors.New("pixel data was skipped while parsing")
	}
	if len(info.Frames) == 0 {
		return nil, errors.New("pixel data holds no frames")
	}

	fr := info.Frames[0]
	img, err := fr.GetImage()
	if err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}

	b := img.Bounds()
	if b.Dx() != cols || b.Dy() != rows {
		return nil, fmt.Errorf("frame is %dx%d, header says %dx%d", b.Dx(), b.Dy(), cols, rows)
	}

	out := make([]uint16, rows*cols)
	if g, ok := img.(*image.Gray16); ok {
		for y := 0; y < rows; y++ {
			for x := 0; x < cols; x++ {
				out[y*cols+x] = g.Gray16At(b.Min.X+x, b.Min.Y+y).Y
			}
		}
		return out, nil
	}
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			out[y*cols+x] = color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16).Y
		}
	}
	return out, nil
}

func stringValue(ds dicom.Dataset, t tag.Tag) (string, error) {
	elem, err := ds.FindElementByTag(t)
	if err != nil {
		return "", err
	}
	strs, ok := elem.Value.GetValue().([]string)
	if !ok || len(strs) == 0 {
		return "", fmt.Errorf("tag %v has no string value", t)
	}
	return strings.Trim(strs[0], " \x00"), nil
}

// intValue accepts both binary integer VRs and IS strings.
func intValue(ds dicom.Dataset, t tag.Tag) (int, error) {
	elem, err := ds.FindElementByTag(t)
	if err != nil {
		return 0, err
	}
	switch v := elem.Value.GetValue().(type) {
	case []int:
		if len(v) > 0 {
			return v[0], nil
		}
	case []string:
		if len(v) > 0 {
			return strconv.Atoi(strings.Trim(v[0], " \x00"))
		}
	}
	return 0, fmt.Errorf("tag %v has no integer value", t)
}

// floatValues parses multi-valued DS elements. Values may arrive either as
// separate strings or as one backslash-joined string.
func floatValues(ds dicom.Dataset, t tag.Tag) ([]float64, error) {
	elem, err := ds.FindElementByTag(t)
	if err != nil {
		return nil, err
	}
	var parts []string
	switch v := elem.Value.GetValue().(type) {
	case []string:
		for _, s := range v {
			parts = append(parts, strings.Split(s, `\`)...)
		}
	case []float64:
		return v, nil
	default:
		return nil, fmt.Errorf("tag %v has no decimal value", t)
	}

	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, " \x00")
		if p == "" {
			continue
		}
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("tag %v: %w", t, err)
		}
		out = append(out, f)
	}
	return out, nil
}

// isDICOMFile reports whether path starts with the Part 10 preamble and magic.
func isDICOMFile(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	head := make([]byte, 132)
	if _, err := f.ReadAt(head, 0); err != nil {
		return false
	}
	return string(head[128:]) == "DICM"
}
