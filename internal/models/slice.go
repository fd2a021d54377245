package models

import (
	"gonum.org/v1/gonum/spatial/r3"
)

// Slice represents a single decoded DICOM slice with the metadata needed to
// place it in a volume
type Slice struct {
	// Filename is the base name of the file the slice was read from
	Filename string

	// SeriesUID is the SeriesInstanceUID the slice belongs to
	SeriesUID string

	// InstanceNumber is the acquisition index, or 0 when absent
	InstanceNumber int

	// HasPosition reports whether Position and the orientation cosines were present
	HasPosition bool

	// Position is ImagePositionPatient in LPS millimetres
	Position r3.Vec

	// RowCosine and ColumnCosine are the two ImageOrientationPatient vectors
	RowCosine    r3.Vec
	ColumnCosine r3.Vec

	// PixelSpacing is the in-plane spacing as (between columns, between rows)
	PixelSpacing [2]float64

	// Thickness is SliceThickness in mm, 0 when absent
	Thickness float64

	// Rows and Columns are the in-plane dimensions
	Rows    int
	Columns int

	// Pixels holds the raw 16-bit samples in row-major order
	Pixels []uint16

	// Signed is true when PixelRepresentation is two's complement
	Signed bool

	// RescaleSlope and RescaleIntercept map stored values to modality units
	RescaleSlope     float64
	RescaleIntercept float64

	// DecodeErr is set when the file is DICOM but its pixel data could not be decoded
	DecodeErr error
}

// Volume represents a 3D volume assembled from an ordered slice series
type Volume struct {
	// Data is the voxel data as a 1D array, x fastest, then y, then z
	Data []uint16

	// Signed reports whether Data holds two's complement samples
	Signed bool

	// Width is the number of columns
	Width int

	// Height is the number of rows
	Height int

	// Depth is the number of slices
	Depth int

	// Spacing is the physical size of each voxel in mm
	Spacing struct {
		X, Y, Z float64
	}

	// Origin is the LPS position of the first voxel of the first slice
	Origin r3.Vec

	// RowCosine, ColumnCosine and SliceCosine are the LPS direction of the
	// x, y and z voxel axes
	RowCosine    r3.Vec
	ColumnCosine r3.Vec
	SliceCosine  r3.Vec

	// RescaleSlope and RescaleIntercept map stored values to modality units
	RescaleSlope     float64
	RescaleIntercept float64

	// SeriesUID identifies the series the volume came from
	SeriesUID string
}

// Index returns the offset of voxel (x, y, z) in Data
func (v *Volume) Index(x, y, z int) int {
	return z*v.Width*v.Height + y*v.Width + x
}

// Value returns the rescaled value of voxel (x, y, z)
func (v *Volume) Value(x, y, z int) float64 {
	raw := v.Data[v.Index(x, y, z)]
	var stored float64
	if v.Signed {
		stored = float64(int16(raw))
	} else {
		stored = float64(raw)
	}
	slope := v.RescaleSlope
	if slope == 0 {
		slope = 1
	}
	return stored*slope + v.RescaleIntercept
}
