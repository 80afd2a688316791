package control

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/banshee-data/crossing.report/internal/monitoring"
)

// FileWatcher tails a command file. Each complete line appended to it is
// parsed as a Message and submitted. Commands already in the file when the
// watcher starts are skipped. Replacing the file starts over from its
// beginning.
type FileWatcher struct {
	path    string
	sink    Submitter
	watcher *fsnotify.Watcher
	logf    monitoring.Logger

	offset  int64
	partial []byte
}

// NewFileWatcher starts watching path. The directory must exist; the file
// itself may be created later.
func NewFileWatcher(path string, sink Submitter) (*FileWatcher, error) {
	path = filepath.Clean(path)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create control watcher: %w", err)
	}
	// The directory is watched so editors and mv-based writers that
	// replace the file are still seen.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}
	fw := &FileWatcher{
		path:    path,
		sink:    sink,
		watcher: w,
		logf:    monitoring.Component("control"),
	}
	if info, err := os.Stat(path); err == nil {
		fw.offset = info.Size()
	}
	return fw, nil
}

// Run processes file events until ctx is cancelled. The watcher is closed
// on return.
func (fw *FileWatcher) Run(ctx context.Context) error {
	defer fw.watcher.Close()
	fw.logf("watching %s", fw.path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != fw.path {
				continue
			}
			switch {
			case ev.Has(fsnotify.Create):
				fw.offset, fw.partial = 0, nil
				fw.consume()
			case ev.Has(fsnotify.Write):
				fw.consume()
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				fw.offset, fw.partial = 0, nil
			}
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return nil
			}
			fw.logf("watch error: %v", err)
		}
	}
}

func (fw *FileWatcher) consume() {
	data, err := fw.readNew()
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			fw.logf("failed to read %s: %v", fw.path, err)
		}
		return
	}
	buf := append(fw.partial, data...)
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSpace(buf[:i])
		buf = buf[i+1:]
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		m, err := Parse(line)
		if err != nil {
			fw.logf("ignoring command %q: %v", line, err)
			continue
		}
		if err := fw.sink.Submit(m); err != nil {
			fw.logf("dropping command %s: %v", m, err)
		}
	}
	fw.partial = append([]byte(nil), buf...)
}

// readNew returns bytes written since the last read. A file that shrank
// was truncated and is read from the start.
func (fw *FileWatcher) readNew() ([]byte, error) {
	f, err := os.Open(fw.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < fw.offset {
		fw.offset, fw.partial = 0, nil
	}
	if _, err := f.Seek(fw.offset, io.SeekStart); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	fw.offset += int64(len(data))
	return data, nil
}
