package pipeline

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"dicomseg/pkg/jobspec"
	"dicomseg/pkg/volumeio"
)

type fileStamp struct {
	size    int64
	modTime time.Time
}

// snapshotDir records every regular file below dir. A missing dir yields an
// empty snapshot.
func snapshotDir(dir string) (map[string]fileStamp, error) {
	files := make(map[string]fileStamp)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files[path] = fileStamp{size: info.Size(), modTime: info.ModTime()}
		return nil
	})
	return files, err
}

// ignoredOutput reports files a job cannot take credit for: the artifact it
// read and in-flight artifact temp files.
func ignoredOutput(inv jobspec.Invocation, path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".ct-") && strings.HasSuffix(base, ".tmp") {
		return true
	}
	if len(inv.Args) > 1 && inv.Args[0] == "-i" && filepath.Clean(path) == filepath.Clean(inv.Args[1]) {
		return true
	}
	return inv.SharedOutput && base == volumeio.ArtifactName && filepath.Dir(path) == filepath.Clean(inv.OutputDir)
}

// newOutputs lists files under inv.OutputDir created or modified since before.
func newOutputs(inv jobspec.Invocation, before map[string]fileStamp) ([]string, error) {
	info, err := os.Stat(inv.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("output directory %s: %w", inv.OutputDir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("output path %s is not a directory", inv.OutputDir)
	}
	after, err := snapshotDir(inv.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", inv.OutputDir, err)
	}

	var fresh []string
	for path, st := range after {
		if ignoredOutput(inv, path) {
			continue
		}
		if old, ok := before[path]; ok && old == st {
			continue
		}
		fresh = append(fresh, path)
	}
	sort.Strings(fresh)
	return fresh, nil
}

// verifyOutput checks that a job which exited 0 actually produced results.
func verifyOutput(inv jobspec.Invocation, before map[string]fileStamp) ([]string, error) {
	fresh, err := newOutputs(inv, before)
	if err != nil {
		return nil, err
	}
	if len(fresh) == 0 {
		return nil, fmt.Errorf("%s exited 0 but wrote nothing to %s", inv.Command, inv.OutputDir)
	}
	return fresh, nil
}

// outputWatcher reports files appearing in a job's output directory while the
// job runs. Subdirectories created by the tool are watched as they appear.
type outputWatcher struct {
	w      *fsnotify.Watcher
	inv    jobspec.Invocation
	onFile func(path string)
	logger *zap.Logger

	once sync.Once
	done chan struct{}
}

func startOutputWatcher(inv jobspec.Invocation, onFile func(string), logger *zap.Logger) (*outputWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(inv.OutputDir); err != nil {
		w.Close()
		return nil, err
	}
	ow := &outputWatcher{
		w:      w,
		inv:    inv,
		onFile: onFile,
		logger: logger,
		done:   make(chan struct{}),
	}
	go ow.loop()
	return ow, nil
}

func (ow *outputWatcher) loop() {
	defer close(ow.done)
	seen := make(map[string]bool)
	for {
		select {
		case ev, ok := <-ow.w.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			info, err := os.Stat(ev.Name)
			if err != nil {
				continue
			}
			if info.IsDir() {
				if err := ow.w.Add(ev.Name); err != nil {
					ow.logger.Debug("cannot watch output subdirectory", zap.String("path", ev.Name), zap.Error(err))
				}
				continue
			}
			if seen[ev.Name] || ignoredOutput(ow.inv, ev.Name) {
				continue
			}
			seen[ev.Name] = true
			ow.onFile(ev.Name)
		case err, ok := <-ow.w.Errors:
			if !ok {
				return
			}
			ow.logger.Warn("output watcher error", zap.Error(err))
		}
	}
}

// Stop closes the watcher. It is safe to call more than once.
func (ow *outputWatcher) Stop() {
	ow.once.Do(func() {
		if err := ow.w.Close(); err != nil {
			ow.logger.Debug("closing output watcher", zap.Error(err))
		}
	})
}
