// Package testutil writes small synthetic DICOM series for tests.
package testutil

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// SliceSpec describes one synthetic CT slice.
type SliceSpec struct {
	SeriesUID      string
	InstanceNumber int
	Rows, Columns  int
	// Z is the slice position along the patient axis in mm
	Z float64
	// Value fills the pixel at (x, y); nil uses a gradient keyed on Z
	Value func(x, y int) int16
	// OmitPosition drops ImagePositionPatient and ImageOrientationPatient
	OmitPosition bool
}

// SeriesSpec describes a whole synthetic series.
type SeriesSpec struct {
	SeriesUID     string
	Count         int
	Rows, Columns int
	Spacing       float64
	// Shuffle writes files in reverse order with unrelated names
	Shuffle bool
}

// WriteSeries writes spec.Count slices into dir and returns their paths.
func WriteSeries(tb testing.TB, dir string, spec SeriesSpec) []string {
	tb.Helper()
	if spec.SeriesUID == "" {
		spec.SeriesUID = "1.2.826.0.1.3680043.8.498.1"
	}
	if spec.Spacing == 0 {
		spec.Spacing = 2.5
	}

	paths := make([]string, 0, spec.Count)
	for i := 0; i < spec.Count; i++ {
		name := fmt.Sprintf("IM%04d.dcm", i+1)
		if spec.Shuffle {
			name = fmt.Sprintf("slice_%04d.dcm", spec.Count-i)
		}
		path := filepath.Join(dir, name)
		WriteSlice(tb, path, SliceSpec{
			SeriesUID:      spec.SeriesUID,
			InstanceNumber: i + 1,
			Rows:           spec.Rows,
			Columns:        spec.Columns,
			Z:              float64(i) * spec.Spacing,
		})
		paths = append(paths, path)
	}
	return paths
}

// WriteSlice writes a single explicit VR little endian CT slice to path.
func WriteSlice(tb testing.TB, path string, spec SliceSpec) {
	tb.Helper()
	if err := os.WriteFile(path, EncodeSlice(spec), 0644); err != nil {
		tb.Fatalf("writing slice %s: %v", path, err)
	}
}

// EncodeSlice returns the bytes of a Part 10 file for spec.
func EncodeSlice(spec SliceSpec) []byte {
	const (
		ctImageStorage = "1.2.840.10008.5.1.4.1.1.2"
		explicitLE     = "1.2.840.10008.1.2.1"
		implClassUID   = "1.2.826.0.1.3680043.8.498.99"
	)
	sopInstance := fmt.Sprintf("%s.%d", spec.SeriesUID, spec.InstanceNumber)

	var meta bytes.Buffer
	writeElem(&meta, 0x0002, 0x0001, "OB", []byte{0, 1})
	writeElem(&meta, 0x0002, 0x0002, "UI", uid(ctImageStorage))
	writeElem(&meta, 0x0002, 0x0003, "UI", uid(sopInstance))
	writeElem(&meta, 0x0002, 0x0010, "UI", uid(explicitLE))
	writeElem(&meta, 0x0002, 0x0012, "UI", uid(implClassUID))

	var ds bytes.Buffer
	writeElem(&ds, 0x0008, 0x0016, "UI", uid(ctImageStorage))
	writeElem(&ds, 0x0008, 0x0018, "UI", uid(sopInstance))
	writeElem(&ds, 0x0008, 0x0060, "CS", str("CT"))
	writeElem(&ds, 0x0018, 0x0050, "DS", str("2.5"))
	writeElem(&ds, 0x0020, 0x000E, "UI", uid(spec.SeriesUID))
	writeElem(&ds, 0x0020, 0x0013, "IS", str(fmt.Sprintf("%d", spec.InstanceNumber)))
	if !spec.OmitPosition {
		writeElem(&ds, 0x0020, 0x0032, "DS", str(fmt.Sprintf(`-100\-120\%g`, spec.Z)))
		writeElem(&ds, 0x0020, 0x0037, "DS", str(`1\0\0\0\1\0`))
	}
	writeElem(&ds, 0x0028, 0x0002, "US", u16(1))
	writeElem(&ds, 0x0028, 0x0004, "CS", str("MONOCHROME2"))
	writeElem(&ds, 0x0028, 0x0010, "US", u16(uint16(spec.Rows)))
	writeElem(&ds, 0x0028, 0x0011, "US", u16(uint16(spec.Columns)))
	writeElem(&ds, 0x0028, 0x0030, "DS", str(`0.5\0.5`))
	writeElem(&ds, 0x0028, 0x0100, "US", u16(16))
	writeElem(&ds, 0x0028, 0x0101, "US", u16(16))
	writeElem(&ds, 0x0028, 0x0102, "US", u16(15))
	writeElem(&ds, 0x0028, 0x0103, "US", u16(1))
	writeElem(&ds, 0x0028, 0x1052, "DS", str("-1024"))
	writeElem(&ds, 0x0028, 0x1053, "DS", str("1"))

	pixels := make([]byte, 2*spec.Rows*spec.Columns)
	for y := 0; y < spec.Rows; y++ {
		for x := 0; x < spec.Columns; x++ {
			var v int16
			if spec.Value != nil {
				v = spec.Value(x, y)
			} else {
				v = int16(x + y + int(spec.Z))
			}
			binary.LittleEndian.PutUint16(pixels[2*(y*spec.Columns+x):], uint16(v))
		}
	}
	writeElem(&ds, 0x7FE0, 0x0010, "OW", pixels)

	var out bytes.Buffer
	out.Write(make([]byte, 128))
	out.WriteString("DICM")
	groupLen := make([]byte, 4)
	binary.LittleEndian.PutUint32(groupLen, uint32(meta.Len()))
	writeElem(&out, 0x0002, 0x0000, "UL", groupLen)
	out.Write(meta.Bytes())
	out.Write(ds.Bytes())
	return out.Bytes()
}

// writeElem encodes one explicit VR little endian element.
func writeElem(buf *bytes.Buffer, group, element uint16, vr string, value []byte) {
	var hdr [8]byte
	binary.LittleEndian.PutUint16(hdr[0:], group)
	binary.LittleEndian.PutUint16(hdr[2:], element)
	buf.Write(hdr[:4])
	buf.WriteString(vr)
	switch vr {
	case "OB", "OW", "OF", "SQ", "UT", "UN":
		buf.Write([]byte{0, 0})
		binary.LittleEndian.PutUint32(hdr[4:], uint32(len(value)))
		buf.Write(hdr[4:8])
	default:
		binary.LittleEndian.PutUint16(hdr[4:], uint16(len(value)))
		buf.Write(hdr[4:6])
	}
	buf.Write(value)
}

func uid(s string) []byte {
	if len(s)%2 == 1 {
		return append([]byte(s), 0)
	}
	return []byte(s)
}

func str(s string) []byte {
	if len(s)%2 == 1 {
		return append([]byte(s), ' ')
	}
	return []byte(s)
}

func u16(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}
