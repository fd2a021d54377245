// Package nifti encodes and decodes single-file NIfTI-1 volumes (.nii and
// .nii.gz) holding 16-bit integer voxels.
package nifti

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"dicomseg/internal/models"
)

// Datatype codes used by this package.
const (
	DatatypeInt16  int16 = 4
	DatatypeUint16 int16 = 512
)

const (
	headerSize = 348
	voxOffset  = 352

	// xyzt_units: millimetres
	unitsMM = 2

	// qform/sform code NIFTI_XFORM_SCANNER_ANAT
	xformScanner = 1
)

var magic = [4]byte{'n', '+', '1', 0}

// Header is the on-disk NIfTI-1 header. Field order and sizes match the
// format, so encoding/binary reads and writes it without padding.
type Header struct {
	SizeofHdr     int32
	DataType      [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XYZTUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	TOffset       float32
	GLMax         int32
	GLMin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// NewHeader fills a header describing vol. DICOM LPS geometry is converted to
// the RAS convention NIfTI uses.
func NewHeader(vol *models.Volume) Header {
	h := Header{
		SizeofHdr: headerSize,
		Regular:   'r',
		Bitpix:    16,
		VoxOffset: voxOffset,
		XYZTUnits: unitsMM,
		QformCode: xformScanner,
		SformCode: xformScanner,
		Magic:     magic,
	}
	h.Dim = [8]int16{3, int16(vol.Width), int16(vol.Height), int16(vol.Depth), 1, 1, 1, 1}
	if vol.Signed {
		h.Datatype = DatatypeInt16
	} else {
		h.Datatype = DatatypeUint16
	}

	slope := vol.RescaleSlope
	if slope == 0 {
		slope = 1
	}
	h.SclSlope = float32(slope)
	h.SclInter = float32(vol.RescaleIntercept)

	copy(h.Descrip[:], "dicomseg "+vol.SeriesUID)

	// Columns of the rotation in RAS: LPS x and y flip sign.
	cols := [3]r3.Vec{toRAS(vol.RowCosine), toRAS(vol.ColumnCosine), toRAS(vol.SliceCosine)}
	spacing := [3]float64{vol.Spacing.X, vol.Spacing.Y, vol.Spacing.Z}
	origin := toRAS(vol.Origin)

	rot := mat.NewDense(3, 3, []float64{
		cols[0].X, cols[1].X, cols[2].X,
		cols[0].Y, cols[1].Y, cols[2].Y,
		cols[0].Z, cols[1].Z, cols[2].Z,
	})
	qfac := 1.0
	if mat.Det(rot) < 0 {
		qfac = -1
		rot.Set(0, 2, -rot.At(0, 2))
		rot.Set(1, 2, -rot.At(1, 2))
		rot.Set(2, 2, -rot.At(2, 2))
	}
	b, c, d := quaternion(rot)

	h.Pixdim = [8]float32{float32(qfac), float32(spacing[0]), float32(spacing[1]), float32(spacing[2]), 1, 1, 1, 1}
	h.QuaternB, h.QuaternC, h.QuaternD = float32(b), float32(c), float32(d)
	h.QoffsetX, h.QoffsetY, h.QoffsetZ = float32(origin.X), float32(origin.Y), float32(origin.Z)

	h.SrowX = [4]float32{
		float32(cols[0].X * spacing[0]), float32(cols[1].X * spacing[1]), float32(cols[2].X * spacing[2]), float32(origin.X),
	}
	h.SrowY = [4]float32{
		float32(cols[0].Y * spacing[0]), float32(cols[1].Y * spacing[1]), float32(cols[2].Y * spacing[2]), float32(origin.Y),
	}
	h.SrowZ = [4]float32{
		float32(cols[0].Z * spacing[0]), float32(cols[1].Z * spacing[1]), float32(cols[2].Z * spacing[2]), float32(origin.Z),
	}

	return h
}

func toRAS(v r3.Vec) r3.Vec {
	return r3.Vec{X: -v.X, Y: -v.Y, Z: v.Z}
}

// quaternion returns the b, c, d components of the unit quaternion for a
// proper rotation matrix, with a kept non-negative.
func quaternion(r *mat.Dense) (b, c, d float64) {
	r11, r12, r13 := r.At(0, 0), r.At(0, 1), r.At(0, 2)
	r21, r22, r23 := r.At(1, 0), r.At(1, 1), r.At(1, 2)
	r31, r32, r33 := r.At(2, 0), r.At(2, 1), r.At(2, 2)

	var a float64
	trace := r11 + r22 + r33 + 1
	if trace > 0.5 {
		a = 0.5 * math.Sqrt(trace)
		b = 0.25 * (r32 - r23) / a
		c = 0.25 * (r13 - r31) / a
		d = 0.25 * (r21 - r12) / a
	} else {
		xd := 1 + r11 - (r22 + r33)
		yd := 1 + r22 - (r11 + r33)
		zd := 1 + r33 - (r11 + r22)
		switch {
		case xd > 1:
			b = 0.5 * math.Sqrt(xd)
			c = 0.25 * (r12 + r21) / b
			d = 0.25 * (r13 + r31) / b
			a = 0.25 * (r32 - r23) / b
		case yd > 1:
			c = 0.5 * math.Sqrt(yd)
			b = 0.25 * (r12 + r21) / c
			d = 0.25 * (r23 + r32) / c
			a = 0.25 * (r13 - r31) / c
		default:
			d = 0.5 * math.Sqrt(zd)
			b = 0.25 * (r13 + r31) / d
			c = 0.25 * (r23 + r32) / d
			a = 0.25 * (r21 - r12) / d
		}
		if a < 0 {
			b, c, d = -b, -c, -d
		}
	}
	return b, c, d
}
