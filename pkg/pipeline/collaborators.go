package pipeline

import (
	"context"

	"dicomseg/internal/models"
	"dicomseg/pkg/jobspec"
	"dicomseg/pkg/runner"
	"dicomseg/pkg/volumeio"
)

// Converter turns a slice directory into a staged artifact. The volume
// returned by LoadSeries is only held for the duration of one conversion.
// StageVolume writes a temporary file in destDir and returns its path; the
// controller renames it to the artifact with volumeio.CommitStaged.
type Converter interface {
	LoadSeries(ctx context.Context, dir string) (*models.Volume, error)
	StageVolume(ctx context.Context, vol *models.Volume, destDir string) (string, error)
}

// Job is a started external process as seen by the controller.
type Job interface {
	Done() <-chan struct{}
	Status() runner.Status
	Cancel()
}

// JobRunner starts external processes. onLine receives output lines in order.
type JobRunner interface {
	Start(ctx context.Context, inv jobspec.Invocation, onLine func(string)) (Job, error)
}

// VolumeConverter is the Converter backed by volumeio.
type VolumeConverter struct {
	Reader *volumeio.Reader
}

// LoadSeries implements Converter.
func (c VolumeConverter) LoadSeries(ctx context.Context, dir string) (*models.Volume, error) {
	return c.Reader.LoadSeries(ctx, dir)
}

// StageVolume implements Converter.
func (c VolumeConverter) StageVolume(ctx context.Context, vol *models.Volume, destDir string) (string, error) {
	return volumeio.StageVolume(ctx, vol, destDir)
}

// ProcessRunner is the JobRunner backed by runner.Runner.
type ProcessRunner struct {
	Runner *runner.Runner
}

// Start implements JobRunner.
func (p ProcessRunner) Start(ctx context.Context, inv jobspec.Invocation, onLine func(string)) (Job, error) {
	h, err := p.Runner.Start(ctx, inv, onLine)
	if err != nil {
		return nil, err
	}
	return h, nil
}
