// Package pipeline drives the conversion and segmentation workflow. The
// Controller is the single owner of workflow state; long work runs on
// background goroutines and reports back through a progress.Sink.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dicomseg/internal/logging"
	"dicomseg/pkg/jobspec"
	"dicomseg/pkg/progress"
	"dicomseg/pkg/runner"
	"dicomseg/pkg/volumeio"
)

// Snapshot is a read-only copy of the controller state.
type Snapshot struct {
	State        State
	InputDir     string
	OutputDir    string
	ArtifactPath string
	Method       jobspec.Method
	Invocation   jobspec.Invocation
	// JobID is the running job or conversion, empty when idle
	JobID string
	// LastError is the error of the most recent failed command or job
	LastError error
}

// conversion is an in-flight convert.
type conversion struct {
	id     string
	cancel context.CancelFunc
	// prev is the state restored when the conversion fails or is cancelled
	prev State
}

// job is a started segmentation run.
type job struct {
	id        string
	inv       jobspec.Invocation
	handle    Job
	watcher   *outputWatcher
	before    map[string]fileStamp
	startedAt time.Time
	cancelled bool
}

func (j *job) stopWatching() {
	if j.watcher != nil {
		j.watcher.Stop()
	}
}

// Option configures a Controller.
type Option func(*Controller)

// WithConverter replaces the volumeio backed converter.
func WithConverter(cv Converter) Option {
	return func(c *Controller) { c.converter = cv }
}

// WithRunner replaces the process runner.
func WithRunner(r JobRunner) Option {
	return func(c *Controller) { c.runner = r }
}

// WithBuilder sets the command builder used for selected methods.
func WithBuilder(b jobspec.Builder) Option {
	return func(c *Controller) { c.builder = b }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) { c.logger = logging.OrNop(l) }
}

// WithOutputWatch enables or disables reporting files written by a running job.
func WithOutputWatch(enabled bool) Option {
	return func(c *Controller) { c.watch = enabled }
}

// Controller is the workflow state machine. All methods are safe for
// concurrent use and return promptly; conversion and segmentation run in the
// background and report through the sink.
type Controller struct {
	mu sync.Mutex

	state     State
	input     string
	output    string
	artifact  string
	method    jobspec.Method
	inv       jobspec.Invocation
	lastErr   error
	conv      *conversion
	job       *job
	draining  []*job
	closed    bool
	converter Converter
	runner    JobRunner
	builder   jobspec.Builder
	sink      progress.Sink
	logger    *zap.Logger
	watch     bool

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// New creates a controller in the Idle state reporting to sink.
func New(sink progress.Sink, opts ...Option) *Controller {
	if sink == nil {
		sink = progress.SinkFunc(func(progress.Event) {})
	}
	ctx, stop := context.WithCancel(context.Background())
	c := &Controller{
		state:  Idle,
		sink:   sink,
		logger: zap.NewNop(),
		watch:  true,
		ctx:    ctx,
		stop:   stop,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.converter == nil {
		c.converter = VolumeConverter{Reader: volumeio.NewReader(runtime.NumCPU(), c.logger)}
	}
	if c.runner == nil {
		c.runner = ProcessRunner{Runner: runner.New(runner.Options{Logger: c.logger})}
	}
	return c
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		State:        c.state,
		InputDir:     c.input,
		OutputDir:    c.output,
		ArtifactPath: c.artifact,
		Method:       c.method,
		Invocation:   c.inv,
		LastError:    c.lastErr,
	}
	switch {
	case c.job != nil:
		s.JobID = c.job.id
	case c.conv != nil:
		s.JobID = c.conv.id
	}
	return s
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SelectInput sets the source folder. Any artifact, method, conversion or
// job tied to the previous input is discarded.
func (c *Controller) SelectInput(path string) error {
	abs, err := checkInputDir(path)
	found := -1
	if err == nil {
		if n, scanErr := volumeio.ScanInput(abs); scanErr == nil {
			found = n
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return c.rejectLocked("select input", errClosed())
	}
	if err != nil {
		return c.rejectLocked("select input", fmt.Errorf("%w: %w", ErrInvalidInput, err))
	}

	c.resetLocked("input folder changed")
	c.input = abs
	c.setStateLocked(InputSelected, "")
	c.emitLocked(progress.Event{Kind: progress.Log, Message: "input folder: " + abs})

	if found == 0 {
		c.emitLocked(progress.Event{Kind: progress.Warning, Message: "no DICOM files found in " + abs})
	}
	return nil
}

// SelectOutput sets the destination folder, creating it when missing. Any
// artifact, method, conversion or job tied to the previous output is
// discarded.
func (c *Controller) SelectOutput(path string) error {
	abs, err := prepareOutputDir(path)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return c.rejectLocked("select output", errClosed())
	}
	if err != nil {
		return c.rejectLocked("select output", fmt.Errorf("%w: %w", ErrInvalidOutput, err))
	}

	c.resetLocked("output folder changed")
	c.output = abs
	c.setStateLocked(OutputSelected, "")
	c.emitLocked(progress.Event{Kind: progress.Log, Message: "output folder: " + abs})
	return nil
}

// Convert starts converting the input series into the artifact and returns
// immediately. Completion is reported by a StateChanged event to Converted,
// or an Error event followed by a return to the pre-conversion state.
func (c *Controller) Convert() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.closed:
		return c.rejectLocked("convert", errClosed())
	case c.state == Converting:
		return c.rejectLocked("convert", fmt.Errorf("%w: a conversion is already in progress", ErrPrecondition))
	case c.job != nil || len(c.draining) > 0:
		return c.rejectLocked("convert", fmt.Errorf("%w: cannot convert while a segmentation process is running", ErrJobAlreadyRunning))
	case c.input == "" || c.output == "":
		return c.rejectLocked("convert", fmt.Errorf("%w: select input and output folders first", ErrPrecondition))
	}

	prev := c.state
	if prev != InputSelected && prev != OutputSelected {
		prev = OutputSelected
	}
	c.artifact = ""
	c.method = nil
	c.inv = jobspec.Invocation{}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(c.ctx)
	c.conv = &conversion{id: id, cancel: cancel, prev: prev}
	c.setStateLocked(Converting, id)
	c.emitLocked(progress.Event{Kind: progress.Log, JobID: id, Message: "converting " + c.input})

	c.wg.Add(1)
	go c.runConversion(ctx, id, c.input, c.output)
	return nil
}

func (c *Controller) runConversion(ctx context.Context, id, input, output string) {
	defer c.wg.Done()

	started := time.Now()
	vol, err := c.converter.LoadSeries(ctx, input)
	var staged string
	if err == nil {
		staged, err = c.converter.StageVolume(ctx, vol, output)
	}
	c.finishConversion(id, output, staged, err, time.Since(started))
}

// finishConversion commits the staged artifact only while id is still the
// current conversion, so a cancelled or superseded conversion never leaves
// ct.nii.gz behind.
func (c *Controller) finishConversion(id, output, staged string, err error, took time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conv == nil || c.conv.id != id {
		volumeio.DiscardStaged(staged)
		c.logger.Debug("dropping stale conversion result", zap.String("conversion", id), zap.Error(err))
		return
	}
	conv := c.conv
	c.conv = nil
	conv.cancel()

	var path string
	if err == nil {
		path, err = volumeio.CommitStaged(staged, output)
		if err == nil && !volumeio.ArtifactReady(output) {
			err = fmt.Errorf("artifact %s missing after write", path)
		}
	} else {
		volumeio.DiscardStaged(staged)
	}

	if err != nil {
		if rmErr := volumeio.RemoveArtifact(output); rmErr != nil {
			c.logger.Warn("removing stale artifact", zap.Error(rmErr))
		}
		if errors.Is(err, volumeio.ErrInvalidInput) {
			err = fmt.Errorf("%w: %w: %w", ErrConversionFailure, ErrInvalidInput, err)
		} else {
			err = fmt.Errorf("%w: %w", ErrConversionFailure, err)
		}
		c.lastErr = err
		c.logger.Error("conversion failed", zap.String("conversion", id), zap.Error(err))
		c.emitLocked(progress.Event{Kind: progress.Error, JobID: id, Message: "conversion failed", Err: err})
		c.setStateLocked(conv.prev, id)
		return
	}

	c.artifact = path
	c.lastErr = nil
	c.logger.Info("conversion finished", zap.String("artifact", path), zap.Duration("took", took))
	c.emitLocked(progress.Event{Kind: progress.Log, JobID: id, Message: "NIfTI created: " + path, Path: path})
	c.setStateLocked(Converted, id)
}

// SelectMethod validates m against the current artifact and records the
// resulting invocation. It is allowed once an artifact exists and no job is
// running.
func (c *Controller) SelectMethod(m jobspec.Method) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.closed:
		return c.rejectLocked("select method", errClosed())
	case c.job != nil:
		return c.rejectLocked("select method", fmt.Errorf("%w: segmentation is running", ErrJobAlreadyRunning))
	case !c.state.hasArtifact() || c.artifact == "":
		return c.rejectLocked("select method", fmt.Errorf("%w: convert the input series first", ErrPrecondition))
	}

	inv, err := c.builder.Build(m, c.artifact, c.output)
	if err != nil {
		return c.rejectLocked("select method", fmt.Errorf("%w: %w", ErrInvalidParameters, err))
	}

	c.method = m
	c.inv = inv
	c.setStateLocked(MethodSelected, "")
	c.emitLocked(progress.Event{Kind: progress.Log, Message: "method: " + describeMethod(m)})
	if ts, ok := m.(jobspec.TotalSegmentator); ok && jobspec.IsMRTask(ts.Task) {
		c.emitLocked(progress.Event{
			Kind:    progress.Warning,
			Message: fmt.Sprintf("task %s expects an MR series; the artifact is written as CT", ts.Task),
		})
	}
	return nil
}

// RunSegmentation launches the selected method and returns immediately.
// Output lines arrive as JobOutput events; the run ends with a JobFinished
// event and a StateChanged event to SegmentationSucceeded or
// SegmentationFailed.
func (c *Controller) RunSegmentation() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.closed:
		return c.rejectLocked("run segmentation", errClosed())
	case c.job != nil || len(c.draining) > 0:
		return c.rejectLocked("run segmentation", ErrJobAlreadyRunning)
	case c.state != MethodSelected || c.method == nil:
		return c.rejectLocked("run segmentation", fmt.Errorf("%w: select a segmentation method first", ErrPrecondition))
	case !volumeio.ArtifactReady(c.output):
		c.artifact = ""
		c.method = nil
		c.inv = jobspec.Invocation{}
		c.setStateLocked(OutputSelected, "")
		return c.rejectLocked("run segmentation", fmt.Errorf("%w: %s is missing, convert again", ErrPrecondition, volumeio.ArtifactPath(c.output)))
	}

	inv := c.inv
	if err := os.MkdirAll(inv.OutputDir, 0755); err != nil {
		return c.rejectLocked("run segmentation", fmt.Errorf("%w: %w", ErrInvalidOutput, err))
	}
	before, err := snapshotDir(inv.OutputDir)
	if err != nil {
		return c.rejectLocked("run segmentation", fmt.Errorf("%w: %w", ErrInvalidOutput, err))
	}

	j := &job{id: uuid.NewString(), inv: inv, before: before, startedAt: time.Now()}
	handle, err := c.runner.Start(c.ctx, inv, func(line string) { c.jobOutput(j, line) })
	if err != nil {
		if errors.Is(err, runner.ErrToolMissing) {
			err = fmt.Errorf("%w: %w", ErrExternalToolMissing, err)
		} else {
			err = fmt.Errorf("%w: %w", ErrJobFailure, err)
		}
		c.lastErr = err
		c.setStateLocked(SegmentationFailed, j.id)
		return c.rejectLocked("run segmentation", err)
	}
	j.handle = handle
	c.job = j

	if c.watch {
		w, err := startOutputWatcher(inv, func(path string) { c.outputWritten(j, path) }, c.logger)
		if err != nil {
			c.logger.Warn("cannot watch job output", zap.String("dir", inv.OutputDir), zap.Error(err))
		} else {
			j.watcher = w
		}
	}

	c.logger.Info("segmentation started", zap.String("job", j.id), zap.Stringer("command", inv))
	c.setStateLocked(SegmentationRunning, j.id)
	c.emitLocked(progress.Event{Kind: progress.Log, JobID: j.id, Message: "running: " + inv.String()})

	c.wg.Add(1)
	go c.awaitJob(j)
	return nil
}

func (c *Controller) jobOutput(j *job, line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.job != j {
		return
	}
	c.emitLocked(progress.Event{Kind: progress.JobOutput, JobID: j.id, Message: line})
}

func (c *Controller) outputWritten(j *job, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.job != j {
		return
	}
	c.emitLocked(progress.Event{Kind: progress.ArtifactWritten, JobID: j.id, Path: path, Message: filepath.Base(path)})
}

func (c *Controller) awaitJob(j *job) {
	defer c.wg.Done()
	<-j.handle.Done()
	st := j.handle.Status()

	var fresh []string
	var verifyErr error
	if st.State == runner.Succeeded {
		fresh, verifyErr = verifyOutput(j.inv, j.before)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	j.stopWatching()
	c.removeDrainingLocked(j)

	if c.job != j {
		c.logger.Debug("dropping result of superseded job", zap.String("job", j.id), zap.Stringer("state", st.State))
		return
	}
	c.job = nil

	fields := []zap.Field{
		zap.String("job", j.id),
		zap.Int("exit_code", st.ExitCode),
		zap.Duration("took", st.FinishedAt.Sub(st.StartedAt)),
	}

	if st.State == runner.Succeeded && verifyErr == nil {
		c.lastErr = nil
		c.logger.Info("segmentation succeeded", append(fields, zap.Int("files", len(fresh)))...)
		c.emitLocked(progress.Event{
			Kind:    progress.JobFinished,
			JobID:   j.id,
			State:   SegmentationSucceeded.String(),
			Message: fmt.Sprintf("segmentation finished, %d files written to %s", len(fresh), j.inv.OutputDir),
			Path:    j.inv.OutputDir,
		})
		c.setStateLocked(SegmentationSucceeded, j.id)
		return
	}

	err := jobError(j.inv, st, verifyErr)
	c.lastErr = err
	c.logger.Error("segmentation failed", append(fields, zap.Error(err))...)
	c.emitLocked(progress.Event{
		Kind:    progress.JobFinished,
		JobID:   j.id,
		State:   SegmentationFailed.String(),
		Message: "segmentation failed",
		Err:     err,
	})
	c.emitLocked(progress.Event{Kind: progress.Error, JobID: j.id, Message: "segmentation failed", Err: err})
	c.setStateLocked(SegmentationFailed, j.id)
}

func jobError(inv jobspec.Invocation, st runner.Status, verifyErr error) error {
	if verifyErr != nil {
		return fmt.Errorf("%w: %w", ErrJobFailure, verifyErr)
	}
	msg := fmt.Sprintf("%s exited with code %d", inv.Command, st.ExitCode)
	if len(st.Tail) > 0 {
		msg += ": " + strings.Join(st.Tail, "\n")
	}
	return fmt.Errorf("%w: %s", ErrJobFailure, msg)
}

// Cancel stops the running job or conversion. The job is marked cancelled
// before its process is asked to stop, so a late zero exit is never reported
// as success.
func (c *Controller) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.job != nil:
		j := c.cancelJobLocked()
		err := fmt.Errorf("%w: segmentation %s stopped", ErrCancelled, j.id)
		c.lastErr = err
		c.emitLocked(progress.Event{
			Kind:    progress.JobFinished,
			JobID:   j.id,
			State:   SegmentationFailed.String(),
			Message: "segmentation cancelled",
			Err:     err,
		})
		c.setStateLocked(SegmentationFailed, j.id)
		return nil
	case c.conv != nil:
		conv := c.conv
		c.conv = nil
		conv.cancel()
		if err := volumeio.RemoveArtifact(c.output); err != nil {
			c.logger.Warn("removing partial artifact", zap.Error(err))
		}
		c.emitLocked(progress.Event{Kind: progress.Warning, JobID: conv.id, Message: "conversion cancelled"})
		c.setStateLocked(conv.prev, conv.id)
		return nil
	}
	return c.rejectLocked("cancel", fmt.Errorf("%w: nothing to cancel", ErrPrecondition))
}

// cancelJobLocked detaches the running job and asks its process to stop.
// The job stays in draining until its process exits.
func (c *Controller) cancelJobLocked() *job {
	j := c.job
	j.cancelled = true
	c.job = nil
	c.draining = append(c.draining, j)
	j.stopWatching()
	j.handle.Cancel()
	c.logger.Info("segmentation cancelled", zap.String("job", j.id))
	return j
}

func (c *Controller) removeDrainingLocked(j *job) {
	for i, d := range c.draining {
		if d == j {
			c.draining = append(c.draining[:i], c.draining[i+1:]...)
			return
		}
	}
}

// resetLocked discards work tied to the current input and output folders.
func (c *Controller) resetLocked(reason string) {
	if c.job != nil {
		j := c.cancelJobLocked()
		c.emitLocked(progress.Event{
			Kind:    progress.JobFinished,
			JobID:   j.id,
			State:   SegmentationFailed.String(),
			Message: "segmentation cancelled: " + reason,
			Err:     ErrCancelled,
		})
	}
	if c.conv != nil {
		c.conv.cancel()
		c.emitLocked(progress.Event{Kind: progress.Warning, JobID: c.conv.id, Message: "conversion cancelled: " + reason})
		c.conv = nil
	}
	c.artifact = ""
	c.method = nil
	c.inv = jobspec.Invocation{}
	c.lastErr = nil
}

// Close cancels background work and waits for it to finish. The controller
// rejects all commands afterwards.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.job != nil {
		c.cancelJobLocked()
	}
	if c.conv != nil {
		c.conv.cancel()
		c.conv = nil
	}
	c.stop()
	c.mu.Unlock()

	c.wg.Wait()
	return nil
}

func (c *Controller) setStateLocked(s State, jobID string) {
	if c.state != s {
		c.logger.Debug("state changed", zap.Stringer("from", c.state), zap.Stringer("to", s))
	}
	c.state = s
	c.emitLocked(progress.Event{Kind: progress.StateChanged, State: s.String(), JobID: jobID})
}

func (c *Controller) emitLocked(e progress.Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	c.sink.Emit(e)
}

// rejectLocked reports a refused command and returns err.
func (c *Controller) rejectLocked(op string, err error) error {
	c.logger.Warn("command rejected", zap.String("command", op), zap.Error(err))
	c.emitLocked(progress.Event{Kind: progress.Error, Message: op, Err: err})
	return err
}

func errClosed() error {
	return fmt.Errorf("%w: controller closed", ErrPrecondition)
}

func describeMethod(m jobspec.Method) string {
	if s, ok := m.(fmt.Stringer); ok {
		return s.String()
	}
	return m.Name()
}

func checkInputDir(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("no folder given")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", abs)
	}
	if _, err := os.ReadDir(abs); err != nil {
		return "", err
	}
	return abs, nil
}

func prepareOutputDir(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("no folder given")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return "", err
	}
	check, err := os.CreateTemp(abs, ".dicomseg-write-*")
	if err != nil {
		return "", fmt.Errorf("%s is not writable: %w", abs, err)
	}
	name := check.Name()
	check.Close()
	os.Remove(name)
	return abs, nil
}
