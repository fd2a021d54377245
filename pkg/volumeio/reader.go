// Package volumeio reads a directory of DICOM slices into a volume and writes
// it as the compressed NIfTI artifact consumed by the segmentation tools.
package volumeio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"

	"dicomseg/internal/logging"
	"dicomseg/internal/models"
)

// Sentinel errors for volume I/O. Use errors.Is() to check for them.
var (
	// ErrInvalidInput indicates the directory is missing, unreadable or holds no usable slices.
	ErrInvalidInput = errors.New("volumeio: invalid input series")

	// ErrInconsistentGeometry indicates slices of one series differ in in-plane dimensions.
	ErrInconsistentGeometry = errors.New("volumeio: inconsistent slice geometry")

	// ErrUnsupportedPixelData indicates a slice of the chosen series could not be decoded.
	ErrUnsupportedPixelData = errors.New("volumeio: unsupported pixel data")

	// ErrIOFailure indicates the artifact could not be written.
	ErrIOFailure = errors.New("volumeio: write failed")
)

// Reader loads DICOM series from disk.
type Reader struct {
	// numWorkers bounds concurrent slice decoding
	numWorkers int

	logger *zap.Logger
}

// NewReader creates a reader decoding up to numWorkers files at once.
// numWorkers < 1 means one worker per CPU.
func NewReader(numWorkers int, logger *zap.Logger) *Reader {
	if numWorkers < 1 {
		numWorkers = runtime.NumCPU()
	}
	return &Reader{
		numWorkers: numWorkers,
		logger:     logging.OrNop(logger),
	}
}

// LoadSeries reads every slice file in dir, keeps the largest series, orders
// it spatially and assembles a volume.
func (r *Reader) LoadSeries(ctx context.Context, dir string) (*models.Volume, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %s contains no files", ErrInvalidInput, dir)
	}

	slices, err := r.readAll(ctx, files)
	if err != nil {
		return nil, err
	}
	if len(slices) == 0 {
		return nil, fmt.Errorf("%w: no readable DICOM slices in %s", ErrInvalidInput, dir)
	}

	series := r.pickSeries(slices)
	for _, s := range series {
		if s.DecodeErr != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnsupportedPixelData, s.Filename, s.DecodeErr)
		}
	}

	if err := checkGeometry(series); err != nil {
		return nil, err
	}

	sortSlices(series)
	vol := r.assemble(series)

	r.logger.Info("loaded series",
		zap.String("dir", dir),
		zap.String("series_uid", vol.SeriesUID),
		zap.Int("width", vol.Width),
		zap.Int("height", vol.Height),
		zap.Int("depth", vol.Depth),
		zap.Float64("spacing_z", vol.Spacing.Z),
	)
	return vol, nil
}

// readAll decodes files concurrently. Files that are not image slices are
// skipped; the returned slice keeps the order of files.
func (r *Reader) readAll(ctx context.Context, files []string) ([]*models.Slice, error) {
	results := make([]*models.Slice, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.numWorkers)

	var skipped sync.Map
	for i, path := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			s, err := readSlice(path)
			if err != nil {
				skipped.Store(path, err)
				return nil
			}
			results[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	skipped.Range(func(k, v any) bool {
		r.logger.Debug("skipping file", zap.String("file", k.(string)), zap.Error(v.(error)))
		return true
	})

	out := results[:0]
	for _, s := range results {
		if s != nil {
			out = append(out, s)
		}
	}
	return out, nil
}

// pickSeries keeps the series with the most slices. Ties go to the
// lexicographically smallest UID so the choice is stable.
func (r *Reader) pickSeries(slices []*models.Slice) []*models.Slice {
	groups := make(map[string][]*models.Slice)
	for _, s := range slices {
		groups[s.SeriesUID] = append(groups[s.SeriesUID], s)
	}

	uids := make([]string, 0, len(groups))
	for uid := range groups {
		uids = append(uids, uid)
	}
	sort.Strings(uids)

	best := uids[0]
	for _, uid := range uids[1:] {
		if len(groups[uid]) > len(groups[best]) {
			best = uid
		}
	}

	if len(groups) > 1 {
		r.logger.Info("multiple series found, using the largest",
			zap.Int("series", len(groups)),
			zap.String("series_uid", best),
			zap.Int("slices", len(groups[best])),
		)
	}
	return groups[best]
}

func checkGeometry(series []*models.Slice) error {
	first := series[0]
	for _, s := range series[1:] {
		if s.Rows != first.Rows || s.Columns != first.Columns {
			return fmt.Errorf("%w: %s is %dx%d, %s is %dx%d", ErrInconsistentGeometry,
				first.Filename, first.Columns, first.Rows, s.Filename, s.Columns, s.Rows)
		}
	}
	return nil
}

// sliceNormal is the direction slices are stacked along.
func sliceNormal(s *models.Slice) r3.Vec {
	n := r3.Cross(s.RowCosine, s.ColumnCosine)
	if r3.Norm(n) == 0 {
		return r3.Vec{Z: 1}
	}
	return r3.Unit(n)
}

// sortSlices orders slices by their position along the slice normal when
// every slice has one, otherwise by instance number, then file name number.
func sortSlices(series []*models.Slice) {
	allPositioned := true
	for _, s := range series {
		if !s.HasPosition {
			allPositioned = false
			break
		}
	}
	normal := sliceNormal(series[0])

	sort.SliceStable(series, func(i, j int) bool {
		a, b := series[i], series[j]
		if allPositioned {
			pa, pb := r3.Dot(a.Position, normal), r3.Dot(b.Position, normal)
			if pa != pb {
				return pa < pb
			}
		}
		if a.InstanceNumber != b.InstanceNumber {
			return a.InstanceNumber < b.InstanceNumber
		}
		na, nb := extractNumber(a.Filename), extractNumber(b.Filename)
		if na != nb {
			return na < nb
		}
		return a.Filename < b.Filename
	})
}

// extractNumber extracts the numeric part from a filename
func extractNumber(filename string) int {
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	var digits strings.Builder
	for _, c := range base {
		if c >= '0' && c <= '9' {
			digits.WriteRune(c)
		}
	}
	if digits.Len() == 0 {
		return 0
	}
	num, err := strconv.Atoi(digits.String())
	if err != nil {
		return 0
	}
	return num
}

// assemble copies the ordered slices into one volume.
func (r *Reader) assemble(series []*models.Slice) *models.Volume {
	first := series[0]
	vol := &models.Volume{
		Width:            first.Columns,
		Height:           first.Rows,
		Depth:            len(series),
		Signed:           first.Signed,
		Origin:           first.Position,
		RowCosine:        first.RowCosine,
		ColumnCosine:     first.ColumnCosine,
		SliceCosine:      sliceNormal(first),
		RescaleSlope:     first.RescaleSlope,
		RescaleIntercept: first.RescaleIntercept,
		SeriesUID:        first.SeriesUID,
	}
	vol.Spacing.X = first.PixelSpacing[0]
	vol.Spacing.Y = first.PixelSpacing[1]
	vol.Spacing.Z = r.sliceSpacing(series, vol.SliceCosine)

	plane := vol.Width * vol.Height
	vol.Data = make([]uint16, plane*vol.Depth)
	for z, s := range series {
		copy(vol.Data[z*plane:(z+1)*plane], s.Pixels)
		if s.RescaleSlope != first.RescaleSlope || s.RescaleIntercept != first.RescaleIntercept {
			r.logger.Warn("slice rescale differs from first slice, using first slice values",
				zap.String("file", s.Filename))
		}
	}
	return vol
}

// sliceSpacing derives the z spacing from the projected slice positions,
// falling back to SliceThickness and then 1mm.
func (r *Reader) sliceSpacing(series []*models.Slice, normal r3.Vec) float64 {
	fallback := series[0].Thickness
	if fallback <= 0 {
		fallback = 1
	}
	if len(series) < 2 {
		return fallback
	}

	gaps := make([]float64, 0, len(series)-1)
	for i := 1; i < len(series); i++ {
		if !series[i].HasPosition || !series[i-1].HasPosition {
			return fallback
		}
		gaps = append(gaps, r3.Dot(r3.Sub(series[i].Position, series[i-1].Position), normal))
	}

	mean, std := stat.MeanStdDev(gaps, nil)
	if mean <= 1e-6 {
		r.logger.Warn("slices share a position, falling back to slice thickness",
			zap.Float64("thickness", fallback))
		return fallback
	}
	if std > 0.01*mean {
		r.logger.Warn("slice spacing is not uniform",
			zap.Float64("mean", mean),
			zap.Float64("stddev", std))
	}
	for _, g := range gaps {
		if math.Abs(g) < 1e-4 {
			r.logger.Warn("duplicate slice position in series")
			break
		}
	}
	return mean
}

// ScanInput counts files in dir that carry the DICOM magic. It is a cheap
// check used before conversion is attempted.
func ScanInput(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	n := 0
	for _, e := range entries {
		if e.Type().IsRegular() && isDICOMFile(filepath.Join(dir, e.Name())) {
			n++
		}
	}
	return n, nil
}
