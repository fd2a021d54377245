// Package runner launches external segmentation tools and reports their
// progress without blocking the caller.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"dicomseg/internal/logging"
	"dicomseg/pkg/jobspec"
)

// ErrToolMissing indicates the invocation's command cannot be found.
var ErrToolMissing = errors.New("runner: external tool not found")

// ErrCancelled is the Status.Err of a job whose cancellation was requested.
var ErrCancelled = errors.New("runner: job cancelled")

// State is the lifecycle state of a job.
type State int

const (
	Running State = iota
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Status is a snapshot of a job.
type Status struct {
	State State
	// ExitCode is the process exit code once terminal, -1 if it never exited normally
	ExitCode int
	// Tail holds the last output lines
	Tail []string
	// Cancelled is true when Cancel was called before the job finished
	Cancelled bool
	// Err describes why the job failed
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Options configures a Runner.
type Options struct {
	// TailLines is how many trailing output lines Status keeps
	TailLines int
	// CancelGrace is how long an interrupted process may take before it is killed
	CancelGrace time.Duration
	Logger      *zap.Logger
}

// Runner starts external processes.
type Runner struct {
	tailLines   int
	cancelGrace time.Duration
	logger      *zap.Logger
}

// New creates a runner.
func New(opts Options) *Runner {
	if opts.TailLines < 1 {
		opts.TailLines = 50
	}
	if opts.CancelGrace <= 0 {
		opts.CancelGrace = 10 * time.Second
	}
	return &Runner{
		tailLines:   opts.TailLines,
		cancelGrace: opts.CancelGrace,
		logger:      logging.OrNop(opts.Logger),
	}
}

// Handle tracks one started process.
type Handle struct {
	inv    jobspec.Invocation
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status Status
	tail   *ring
}

// Start launches inv and returns immediately. onLine, if not nil, receives
// every output line (stdout and stderr merged) in order, from a single
// goroutine, before Done is closed. Cancelling ctx cancels the job.
func (r *Runner) Start(ctx context.Context, inv jobspec.Invocation, onLine func(string)) (*Handle, error) {
	path, err := exec.LookPath(inv.Command)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrToolMissing, inv.Command, err)
	}

	jctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(jctx, path, inv.Args...) //nolint:gosec // command comes from the job spec builder
	cmd.Cancel = func() error {
		if err := cmd.Process.Signal(os.Interrupt); err != nil {
			return cmd.Process.Kill()
		}
		return nil
	}
	cmd.WaitDelay = r.cancelGrace

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	h := &Handle{
		inv:    inv,
		cmd:    cmd,
		cancel: cancel,
		done:   make(chan struct{}),
		tail:   newRing(r.tailLines),
	}

	if err := cmd.Start(); err != nil {
		cancel()
		pw.Close()
		return nil, fmt.Errorf("runner: starting %s: %w", inv.Command, err)
	}
	h.status = Status{State: Running, ExitCode: -1, StartedAt: time.Now()}

	r.logger.Info("job started",
		zap.String("command", path),
		zap.Strings("args", inv.Args),
		zap.Int("pid", cmd.Process.Pid),
	)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		sc := bufio.NewScanner(pr)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		sc.Split(scanLinesOrCR)
		for sc.Scan() {
			line := sc.Text()
			if line == "" {
				continue
			}
			h.mu.Lock()
			h.tail.add(line)
			h.mu.Unlock()
			if onLine != nil {
				onLine(line)
			}
		}
		// Keep the writer side unblocked if the scanner gave up early.
		io.Copy(io.Discard, pr)
	}()

	go func() {
		waitErr := cmd.Wait()
		pw.Close()
		<-readDone
		h.finish(waitErr)
		cancel()
		r.logger.Info("job finished",
			zap.String("command", path),
			zap.Stringer("state", h.Status().State),
			zap.Int("exit_code", h.Status().ExitCode),
		)
		close(h.done)
	}()

	return h, nil
}

func (h *Handle) finish(waitErr error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.status.FinishedAt = time.Now()
	if h.cmd.ProcessState != nil {
		h.status.ExitCode = h.cmd.ProcessState.ExitCode()
	}
	h.status.Tail = h.tail.lines()

	switch {
	case h.status.Cancelled:
		h.status.State = Failed
		h.status.Err = ErrCancelled
	case waitErr == nil:
		h.status.State = Succeeded
	default:
		h.status.State = Failed
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			h.status.Err = fmt.Errorf("exited with code %d", exitErr.ExitCode())
		} else {
			h.status.Err = waitErr
		}
	}
}

// Status returns a snapshot of the job.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.status
	if s.State == Running {
		s.Tail = h.tail.lines()
	}
	return s
}

// Done is closed when the job reaches a terminal state.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Cancel asks the process to stop. It is best effort: the process is
// interrupted, then killed after the grace period. Once Cancel has been
// called the job never reports Succeeded.
func (h *Handle) Cancel() {
	h.mu.Lock()
	if h.status.State != Running {
		h.mu.Unlock()
		return
	}
	h.status.Cancelled = true
	h.mu.Unlock()
	h.cancel()
}

// Invocation returns the invocation the handle was started with.
func (h *Handle) Invocation() jobspec.Invocation {
	return h.inv
}

// scanLinesOrCR splits on \n, \r\n and bare \r so that progress bars which
// redraw a line show up as separate updates.
func scanLinesOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\r' && i+1 < len(data) && data[i+1] == '\n' {
			return i + 2, data[:i], nil
		}
		if data[i] == '\r' && i+1 == len(data) && !atEOF {
			// Might be the first half of \r\n.
			return 0, nil, nil
		}
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// ring keeps the last n lines.
type ring struct {
	buf   []string
	next  int
	count int
}

func newRing(n int) *ring {
	return &ring{buf: make([]string, n)}
}

func (r *ring) add(s string) {
	r.buf[r.next] = s
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

func (r *ring) lines() []string {
	out := make([]string, 0, r.count)
	start := (r.next - r.count + len(r.buf)) % len(r.buf)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}
