package runner

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dicomseg/pkg/jobspec"
)

// writeScript creates an executable shell script acting as an external tool.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not available on windows")
	}
	path := filepath.Join(t.TempDir(), "tool.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

func waitDone(t *testing.T, h *Handle) Status {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("job did not finish")
	}
	return h.Status()
}

type lineCollector struct {
	mu    sync.Mutex
	lines []string
}

func (c *lineCollector) add(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
}

func (c *lineCollector) get() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func TestStartSuccess(t *testing.T) {
	script := writeScript(t, "echo starting\necho progress >&2\necho \"args: $*\"\nexit 0\n")
	r := New(Options{TailLines: 10})

	var lines lineCollector
	h, err := r.Start(context.Background(), jobspec.Invocation{Command: script, Args: []string{"-ta", "total"}}, lines.add)
	require.NoError(t, err)

	st := waitDone(t, h)
	assert.Equal(t, Succeeded, st.State)
	assert.Equal(t, 0, st.ExitCode)
	assert.NoError(t, st.Err)
	assert.False(t, st.Cancelled)
	assert.False(t, st.FinishedAt.Before(st.StartedAt))
	assert.Equal(t, []string{"starting", "progress", "args: -ta total"}, lines.get())
	assert.Equal(t, lines.get(), st.Tail)
}

func TestStartFailureKeepsTail(t *testing.T) {
	script := writeScript(t, "i=0\nwhile [ $i -lt 20 ]; do echo line$i; i=$((i+1)); done\nexit 3\n")
	r := New(Options{TailLines: 5})

	h, err := r.Start(context.Background(), jobspec.Invocation{Command: script}, nil)
	require.NoError(t, err)

	st := waitDone(t, h)
	assert.Equal(t, Failed, st.State)
	assert.Equal(t, 3, st.ExitCode)
	assert.Error(t, st.Err)
	assert.Equal(t, []string{"line15", "line16", "line17", "line18", "line19"}, st.Tail)
}

func TestStartMissingTool(t *testing.T) {
	r := New(Options{})
	_, err := r.Start(context.Background(), jobspec.Invocation{Command: "definitely-not-installed-segmenter"}, nil)
	assert.ErrorIs(t, err, ErrToolMissing)
}

func TestStartIsNonBlocking(t *testing.T) {
	script := writeScript(t, "sleep 2\n")
	r := New(Options{CancelGrace: 100 * time.Millisecond})

	begin := time.Now()
	h, err := r.Start(context.Background(), jobspec.Invocation{Command: script}, nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(begin), time.Second)
	assert.Equal(t, Running, h.Status().State)

	h.Cancel()
	waitDone(t, h)
}

func TestCancelReportsFailure(t *testing.T) {
	// The tool ignores the interrupt and exits 0 on its own shortly after.
	script := writeScript(t, "trap 'echo interrupted' INT\necho ready\nsleep 1\nexit 0\n")
	r := New(Options{CancelGrace: 5 * time.Second})

	ready := make(chan struct{})
	var once sync.Once
	h, err := r.Start(context.Background(), jobspec.Invocation{Command: script}, func(line string) {
		if line == "ready" {
			once.Do(func() { close(ready) })
		}
	})
	require.NoError(t, err)

	<-ready
	h.Cancel()
	st := waitDone(t, h)
	assert.Equal(t, Failed, st.State)
	assert.True(t, st.Cancelled)
	assert.ErrorIs(t, st.Err, ErrCancelled)
}

func TestCancelKillsAfterGrace(t *testing.T) {
	script := writeScript(t, "trap '' INT\necho ready\nsleep 30\n")
	r := New(Options{CancelGrace: 200 * time.Millisecond})

	ready := make(chan struct{})
	var once sync.Once
	h, err := r.Start(context.Background(), jobspec.Invocation{Command: script}, func(line string) {
		if line == "ready" {
			once.Do(func() { close(ready) })
		}
	})
	require.NoError(t, err)

	<-ready
	begin := time.Now()
	h.Cancel()
	st := waitDone(t, h)
	assert.Less(t, time.Since(begin), 10*time.Second)
	assert.Equal(t, Failed, st.State)
	assert.True(t, st.Cancelled)
}

func TestCancelAfterFinishIsNoop(t *testing.T) {
	script := writeScript(t, "exit 0\n")
	h, err := New(Options{}).Start(context.Background(), jobspec.Invocation{Command: script}, nil)
	require.NoError(t, err)
	waitDone(t, h)

	h.Cancel()
	st := h.Status()
	assert.Equal(t, Succeeded, st.State)
	assert.False(t, st.Cancelled)
}

func TestScanLinesOrCR(t *testing.T) {
	input := "a\nb\r\nprogress 10%\rprogress 20%\rdone"
	sc := bufio.NewScanner(strings.NewReader(input))
	sc.Split(scanLinesOrCR)

	var got []string
	for sc.Scan() {
		got = append(got, sc.Text())
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, []string{"a", "b", "progress 10%", "progress 20%", "done"}, got)
}

func TestRing(t *testing.T) {
	r := newRing(3)
	assert.Empty(t, r.lines())
	r.add("1")
	r.add("2")
	assert.Equal(t, []string{"1", "2"}, r.lines())
	r.add("3")
	r.add("4")
	assert.Equal(t, []string{"2", "3", "4"}, r.lines())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "succeeded", Succeeded.String())
	assert.Equal(t, "failed", Failed.String())
}
