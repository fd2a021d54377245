package nifti

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"gonum.org/v1/gonum/spatial/r3"

	"dicomseg/internal/models"
)

// ErrFormat is returned when a stream is not a NIfTI-1 volume this package can read.
var ErrFormat = errors.New("nifti: unsupported or malformed file")

// maxDim is the largest extent an int16 dim entry can hold.
const maxDim = 1<<15 - 1

// Encode writes vol as an uncompressed single-file NIfTI-1 stream.
func Encode(w io.Writer, vol *models.Volume) error {
	if vol.Width <= 0 || vol.Height <= 0 || vol.Depth <= 0 {
		return fmt.Errorf("nifti: empty volume %dx%dx%d", vol.Width, vol.Height, vol.Depth)
	}
	if vol.Width > maxDim || vol.Height > maxDim || vol.Depth > maxDim {
		return fmt.Errorf("nifti: volume %dx%dx%d exceeds NIfTI-1 dimension limit", vol.Width, vol.Height, vol.Depth)
	}
	if len(vol.Data) != vol.Width*vol.Height*vol.Depth {
		return fmt.Errorf("nifti: voxel count %d does not match dimensions %dx%dx%d",
			len(vol.Data), vol.Width, vol.Height, vol.Depth)
	}

	bw := bufio.NewWriterSize(w, 1<<20)
	hdr := NewHeader(vol)
	if err := binary.Write(bw, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("nifti: writing header: %w", err)
	}
	// Empty extension block.
	if _, err := bw.Write([]byte{0, 0, 0, 0}); err != nil {
		return fmt.Errorf("nifti: writing extension: %w", err)
	}

	buf := make([]byte, 2*vol.Width*vol.Height)
	plane := vol.Width * vol.Height
	for z := 0; z < vol.Depth; z++ {
		for i, v := range vol.Data[z*plane : (z+1)*plane] {
			binary.LittleEndian.PutUint16(buf[2*i:], v)
		}
		if _, err := bw.Write(buf); err != nil {
			return fmt.Errorf("nifti: writing slice %d: %w", z, err)
		}
	}
	return bw.Flush()
}

// Decode reads an uncompressed NIfTI-1 stream written by Encode (or any
// 3D INT16/UINT16 single-file volume).
func Decode(r io.Reader) (*models.Volume, error) {
	br := bufio.NewReaderSize(r, 1<<20)

	var hdr Header
	if err := binary.Read(br, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", ErrFormat, err)
	}
	if hdr.SizeofHdr != headerSize || hdr.Magic != magic {
		return nil, fmt.Errorf("%w: bad header size or magic", ErrFormat)
	}
	if hdr.Datatype != DatatypeInt16 && hdr.Datatype != DatatypeUint16 {
		return nil, fmt.Errorf("%w: datatype %d", ErrFormat, hdr.Datatype)
	}
	if hdr.Dim[0] < 3 || hdr.Dim[1] <= 0 || hdr.Dim[2] <= 0 || hdr.Dim[3] <= 0 {
		return nil, fmt.Errorf("%w: dimensions %v", ErrFormat, hdr.Dim)
	}

	skip := int64(hdr.VoxOffset) - headerSize
	if skip < 0 {
		return nil, fmt.Errorf("%w: vox_offset %v", ErrFormat, hdr.VoxOffset)
	}
	if _, err := io.CopyN(io.Discard, br, skip); err != nil {
		return nil, fmt.Errorf("%w: skipping extensions: %v", ErrFormat, err)
	}

	vol := &models.Volume{
		Width:            int(hdr.Dim[1]),
		Height:           int(hdr.Dim[2]),
		Depth:            int(hdr.Dim[3]),
		Signed:           hdr.Datatype == DatatypeInt16,
		RescaleSlope:     float64(hdr.SclSlope),
		RescaleIntercept: float64(hdr.SclInter),
	}
	vol.Spacing.X = float64(hdr.Pixdim[1])
	vol.Spacing.Y = float64(hdr.Pixdim[2])
	vol.Spacing.Z = float64(hdr.Pixdim[3])
	vol.SeriesUID = string(bytes.TrimPrefix(bytes.TrimRight(hdr.Descrip[:], "\x00"), []byte("dicomseg ")))

	if hdr.SformCode > 0 {
		vol.RowCosine = toRAS(axis(hdr, 0, vol.Spacing.X))
		vol.ColumnCosine = toRAS(axis(hdr, 1, vol.Spacing.Y))
		vol.SliceCosine = toRAS(axis(hdr, 2, vol.Spacing.Z))
		vol.Origin = toRAS(r3.Vec{X: float64(hdr.SrowX[3]), Y: float64(hdr.SrowY[3]), Z: float64(hdr.SrowZ[3])})
	}

	n := vol.Width * vol.Height * vol.Depth
	raw := make([]byte, 2*n)
	if _, err := io.ReadFull(br, raw); err != nil {
		return nil, fmt.Errorf("%w: reading voxels: %v", ErrFormat, err)
	}
	vol.Data = make([]uint16, n)
	for i := range vol.Data {
		vol.Data[i] = binary.LittleEndian.Uint16(raw[2*i:])
	}
	return vol, nil
}

// axis returns column i of the sform rotation with the spacing divided out.
func axis(h Header, i int, spacing float64) r3.Vec {
	v := r3.Vec{X: float64(h.SrowX[i]), Y: float64(h.SrowY[i]), Z: float64(h.SrowZ[i])}
	if spacing == 0 {
		return v
	}
	return r3.Scale(1/spacing, v)
}

// ReadFile decodes the volume at path, transparently handling gzip.
func ReadFile(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	head, err := br.Peek(2)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if head[0] == 0x1f && head[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		defer zr.Close()
		return Decode(zr)
	}
	return Decode(br)
}
