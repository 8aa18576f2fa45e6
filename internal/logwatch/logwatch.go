// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package logwatch observes a node's log file for lines that corroborate
// decisions the node does not otherwise report, such as block rejections.
package logwatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// defaultPollInterval is how often the log file is checked for new
	// lines when no file system notification arrives.
	defaultPollInterval = 100 * time.Millisecond

	// tailChunkSize is the number of bytes read from the end of the log file
	// when collecting its final lines.
	tailChunkSize = 64 * 1024
)

// Cursor is a position in the log file.  Only lines that begin at or after a
// cursor are considered when waiting for a pattern.
type Cursor int64

// Watcher observes a single append-only log file.  It never writes to the
// file.
type Watcher struct {
	path         string
	pollInterval time.Duration

	// noNotify disables file system notifications so the file is only
	// polled.
	noNotify bool
}

// New returns a watcher for the log file at path.  The file does not need to
// exist yet.
func New(path string) *Watcher {
	return &Watcher{
		path:         filepath.Clean(path),
		pollInterval: defaultPollInterval,
	}
}

// Path returns the path of the watched log file.
func (w *Watcher) Path() string {
	return w.path
}

// size returns the current size of the log file.  A missing file has a size
// of zero.
func (w *Watcher) size() (int64, error) {
	fi, err := os.Stat(w.path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Mark returns a cursor at the current end of the log file.
func (w *Watcher) Mark() (Cursor, error) {
	size, err := w.size()
	if err != nil {
		return 0, fmt.Errorf("unable to mark log %s: %w", w.path, err)
	}
	return Cursor(size), nil
}

// lineScanner reads complete lines appended to the log file after an offset.
type lineScanner struct {
	path   string
	offset int64
}

// next returns the complete lines written since the previous call.  A
// trailing partial line is left for a later call.  The scanner starts over
// from the beginning when the file shrinks, which happens when it is rotated.
func (s *lineScanner) next() ([]string, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() < s.offset {
		log.Debugf("Log %s shrank from %d to %d bytes, rescanning", s.path,
			s.offset, fi.Size())
		s.offset = 0
	}
	if fi.Size() == s.offset {
		return nil, nil
	}

	if _, err := f.Seek(s.offset, io.SeekStart); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(io.LimitReader(f, fi.Size()-s.offset))
	if err != nil {
		return nil, err
	}
	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		return nil, nil
	}
	s.offset += int64(end + 1)
	return strings.Split(string(data[:end]), "\n"), nil
}

// notifier returns a channel that receives a value whenever the log file is
// written or created along with a function to stop the notifications.  A nil
// channel is returned when file system notifications are unavailable.
func (w *Watcher) notifier() (<-chan struct{}, func()) {
	if w.noNotify {
		return nil, func() {}
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		log.Debugf("File notifications unavailable, polling %s: %v", w.path,
			err)
		return nil, func() {}
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		log.Debugf("Unable to watch %s, polling: %v", filepath.Dir(w.path),
			err)
		fsw.Close()
		return nil, func() {}
	}

	wake := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != w.path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				log.Debugf("File notification error for %s: %v", w.path, err)
			}
		}
	}()
	return wake, func() {
		fsw.Close()
		<-done
	}
}

// AwaitPattern waits until a complete line written after the cursor contains
// pattern.  It returns false without an error when the timeout elapses first.
// Errors are only returned when the log can not be read or the context is
// canceled.
func (w *Watcher) AwaitPattern(ctx context.Context, cursor Cursor, pattern string, timeout time.Duration) (bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	poll := time.NewTicker(w.pollInterval)
	defer poll.Stop()
	wake, stop := w.notifier()
	defer stop()

	scanner := lineScanner{path: w.path, offset: int64(cursor)}
	scan := func() (bool, error) {
		lines, err := scanner.next()
		if err != nil {
			return false, fmt.Errorf("unable to read log %s: %w", w.path, err)
		}
		for _, line := range lines {
			if strings.Contains(line, pattern) {
				log.Debugf("Found %q in %s: %s", pattern, w.path, line)
				return true, nil
			}
		}
		return false, nil
	}
	for {
		if found, err := scan(); found || err != nil {
			return found, err
		}

		select {
		case <-wake:
		case <-poll.C:
		case <-timer.C:
			// Lines written since the last scan still count.
			if found, err := scan(); found || err != nil {
				return found, err
			}
			log.Debugf("Pattern %q not found in %s after %v", pattern, w.path,
				timeout)
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// Tail returns up to the final n complete lines of the log file.
func (w *Watcher) Tail(n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	f, err := os.Open(w.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	start := fi.Size() - tailChunkSize
	if start < 0 {
		start = 0
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	// Discard the partial line at either end.
	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		return nil, nil
	}
	data = data[:end]
	if start > 0 {
		nl := bytes.IndexByte(data, '\n')
		if nl < 0 {
			return nil, nil
		}
		data = data[nl+1:]
	}

	lines := strings.Split(string(data), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
