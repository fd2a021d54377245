package volumeio

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dicomseg/internal/models"
	"dicomseg/internal/testutil"
	"dicomseg/pkg/nifti"
)

func TestLoadSeries(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteSeries(t, dir, testutil.SeriesSpec{Count: 5, Rows: 6, Columns: 8, Spacing: 2.5})

	vol, err := NewReader(2, nil).LoadSeries(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 8, vol.Width)
	assert.Equal(t, 6, vol.Height)
	assert.Equal(t, 5, vol.Depth)
	assert.True(t, vol.Signed)
	assert.InDelta(t, 0.5, vol.Spacing.X, 1e-9)
	assert.InDelta(t, 2.5, vol.Spacing.Z, 1e-9)
	assert.InDelta(t, -1024, vol.RescaleIntercept, 1e-9)
	assert.Len(t, vol.Data, 8*6*5)

	// Pixel (x, y) of slice z holds x + y + z*spacing.
	assert.Equal(t, int16(3+2+int(2*2.5)), int16(vol.Data[vol.Index(3, 2, 2)]))
	assert.InDelta(t, float64(1+1+10)-1024, vol.Value(1, 1, 4), 1e-9)
}

func TestLoadSeriesOrdersByPosition(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteSeries(t, dir, testutil.SeriesSpec{Count: 6, Rows: 4, Columns: 4, Spacing: 3, Shuffle: true})

	vol, err := NewReader(3, nil).LoadSeries(context.Background(), dir)
	require.NoError(t, err)

	for z := 0; z < vol.Depth; z++ {
		assert.Equal(t, int16(z*3), int16(vol.Data[vol.Index(0, 0, z)]), "slice %d", z)
	}
	assert.InDelta(t, float64(0), vol.Origin.Z, 1e-9)
}

func TestLoadSeriesFallsBackToInstanceNumber(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []int{3, 1, 2} {
		testutil.WriteSlice(t, filepath.Join(dir, "x"+string(rune('a'+n))+".dcm"), testutil.SliceSpec{
			SeriesUID:      "1.2.3",
			InstanceNumber: n,
			Rows:           2,
			Columns:        2,
			Z:              float64(n * 10),
			OmitPosition:   true,
		})
	}

	vol, err := NewReader(1, nil).LoadSeries(context.Background(), dir)
	require.NoError(t, err)
	require.Equal(t, 3, vol.Depth)
	for z := 0; z < 3; z++ {
		assert.Equal(t, int16((z+1)*10), int16(vol.Data[vol.Index(0, 0, z)]))
	}
	// No positions: thickness from the header.
	assert.InDelta(t, 2.5, vol.Spacing.Z, 1e-9)
}

func TestLoadSeriesPicksLargestSeries(t *testing.T) {
	dir := t.TempDir()
	small := filepath.Join(dir, "small")
	require.NoError(t, os.Mkdir(small, 0755))

	testutil.WriteSeries(t, dir, testutil.SeriesSpec{SeriesUID: "1.2.3.4", Count: 4, Rows: 4, Columns: 4})
	for i := 0; i < 2; i++ {
		testutil.WriteSlice(t, filepath.Join(dir, "scout"+string(rune('0'+i))+".dcm"), testutil.SliceSpec{
			SeriesUID:      "1.2.3.5",
			InstanceNumber: i + 1,
			Rows:           8,
			Columns:        8,
		})
	}

	vol, err := NewReader(2, nil).LoadSeries(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4", vol.SeriesUID)
	assert.Equal(t, 4, vol.Depth)
	assert.Equal(t, 4, vol.Width)
}

func TestLoadSeriesSkipsNonDICOMFiles(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteSeries(t, dir, testutil.SeriesSpec{Count: 3, Rows: 4, Columns: 4})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.txt"), []byte("notes"), 0644))

	vol, err := NewReader(2, nil).LoadSeries(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 3, vol.Depth)
}

func TestLoadSeriesErrors(t *testing.T) {
	t.Run("missing directory", func(t *testing.T) {
		_, err := NewReader(1, nil).LoadSeries(context.Background(), filepath.Join(t.TempDir(), "nope"))
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("empty directory", func(t *testing.T) {
		_, err := NewReader(1, nil).LoadSeries(context.Background(), t.TempDir())
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("no dicom files", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "a.dcm"), []byte("not dicom"), 0644))
		_, err := NewReader(1, nil).LoadSeries(context.Background(), dir)
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("inconsistent geometry", func(t *testing.T) {
		dir := t.TempDir()
		testutil.WriteSlice(t, filepath.Join(dir, "a.dcm"), testutil.SliceSpec{SeriesUID: "1.9", InstanceNumber: 1, Rows: 4, Columns: 4})
		testutil.WriteSlice(t, filepath.Join(dir, "b.dcm"), testutil.SliceSpec{SeriesUID: "1.9", InstanceNumber: 2, Rows: 4, Columns: 6, Z: 1})
		_, err := NewReader(1, nil).LoadSeries(context.Background(), dir)
		assert.ErrorIs(t, err, ErrInconsistentGeometry)
	})

	t.Run("cancelled", func(t *testing.T) {
		dir := t.TempDir()
		testutil.WriteSeries(t, dir, testutil.SeriesSpec{Count: 3, Rows: 4, Columns: 4})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := NewReader(1, nil).LoadSeries(ctx, dir)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestWriteVolume(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	testutil.WriteSeries(t, in, testutil.SeriesSpec{Count: 4, Rows: 5, Columns: 7})

	vol, err := NewReader(2, nil).LoadSeries(context.Background(), in)
	require.NoError(t, err)

	path, err := WriteVolume(context.Background(), vol, out)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(out, ArtifactName), path)
	assert.True(t, ArtifactReady(out))

	got, err := nifti.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, vol.Data, got.Data)
	assert.Equal(t, vol.Depth, got.Depth)

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestWriteVolumeIsDeterministic(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	testutil.WriteSeries(t, in, testutil.SeriesSpec{Count: 3, Rows: 4, Columns: 4})
	reader := NewReader(2, nil)

	var outputs [][]byte
	for i := 0; i < 2; i++ {
		vol, err := reader.LoadSeries(context.Background(), in)
		require.NoError(t, err)
		path, err := WriteVolume(context.Background(), vol, out)
		require.NoError(t, err)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		outputs = append(outputs, data)
	}
	assert.True(t, bytes.Equal(outputs[0], outputs[1]))
}

func TestWriteVolumeFailures(t *testing.T) {
	vol := &models.Volume{Width: 2, Height: 2, Depth: 1, Data: make([]uint16, 4)}

	_, err := WriteVolume(context.Background(), vol, filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, ErrIOFailure)

	out := t.TempDir()
	bad := &models.Volume{Width: 2, Height: 2, Depth: 2, Data: make([]uint16, 3)}
	_, err = WriteVolume(context.Background(), bad, out)
	assert.ErrorIs(t, err, ErrIOFailure)
	assert.False(t, ArtifactReady(out))
	entries, _ := os.ReadDir(out)
	assert.Empty(t, entries)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = WriteVolume(ctx, vol, out)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ArtifactReady(out))
}

func TestStageVolumeIsInvisibleUntilCommitted(t *testing.T) {
	vol := &models.Volume{Width: 2, Height: 2, Depth: 1, Data: make([]uint16, 4)}
	out := t.TempDir()

	staged, err := StageVolume(context.Background(), vol, out)
	require.NoError(t, err)
	assert.FileExists(t, staged)
	assert.Equal(t, out, filepath.Dir(staged))
	assert.False(t, ArtifactReady(out))

	path, err := CommitStaged(staged, out)
	require.NoError(t, err)
	assert.Equal(t, ArtifactPath(out), path)
	assert.True(t, ArtifactReady(out))
	assert.NoFileExists(t, staged)

	staged, err = StageVolume(context.Background(), vol, out)
	require.NoError(t, err)
	DiscardStaged(staged)
	assert.NoFileExists(t, staged)
	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRemoveArtifact(t *testing.T) {
	out := t.TempDir()
	assert.NoError(t, RemoveArtifact(out))

	require.NoError(t, os.WriteFile(ArtifactPath(out), []byte("x"), 0644))
	assert.True(t, ArtifactReady(out))
	assert.NoError(t, RemoveArtifact(out))
	assert.False(t, ArtifactReady(out))
}

func TestScanInput(t *testing.T) {
	dir := t.TempDir()
	n, err := ScanInput(dir)
	require.NoError(t, err)
	assert.Zero(t, n)

	testutil.WriteSeries(t, dir, testutil.SeriesSpec{Count: 2, Rows: 2, Columns: 2})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other"), []byte("hello"), 0644))
	n, err = ScanInput(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = ScanInput(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestExtractNumber(t *testing.T) {
	tests := map[string]int{
		"IM0012.dcm":   12,
		"slice_7":      7,
		"no-digits":    0,
		"/a/b/c3d4.dc": 34,
	}
	for name, want := range tests {
		assert.Equal(t, want, extractNumber(name), name)
	}
}
