// Package fileingest implements the supplemented "other log sources"
// reader SPEC_FULL.md adds: a plain file tailed from a persisted byte
// offset, reopening on rotation. It shares the RawRecord shape the
// journal reader produces so the ingestor's normalize/dedup/insert
// pipeline treats both sources identically.
//
// Grounded on the teacher's file_monitor.go (nxadm/tail usage) and its
// fsnotify-based watch-for-recreate handling in
// pkg/tenant/tenant_discovery.go and pkg/hotreload/config_reloader.go.
package fileingest

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/nxadm/tail"
	"github.com/sirupsen/logrus"

	apperrors "github.com/bonzupii/chimera-logmind/pkg/errors"
	"github.com/bonzupii/chimera-logmind/pkg/types"
)

// SourceName builds the per-file ingest_state source name: "file:<path>".
func SourceName(path string) string {
	return "file:" + path
}

// Options bound a single read of a tailed file.
type Options struct {
	Path        string
	MaxRecords  int   // 0 means unbounded
	StartOffset int64 // byte offset to resume from; cursor value is this offset as a string
}

// Result mirrors journal.Result: the records produced plus a count of
// lines the underlying tail reported as read errors.
type Result struct {
	Records      []types.RawRecord
	SkippedLines int
	EndOffset    int64
}

// Reader tails a single file from a byte offset, emitting one RawRecord
// per line, reopening the file if it is replaced out from under the
// tail (log rotation).
type Reader struct {
	logger *logrus.Logger
}

// New returns a file Reader.
func New(logger *logrus.Logger) *Reader {
	return &Reader{logger: logger}
}

// Read tails opts.Path starting at opts.StartOffset and returns every
// complete line seen before the context is cancelled or MaxRecords is
// reached, whichever comes first. Unlike the journal reader, a file
// tail has no natural EOF while the file is live, so the caller controls
// the bound via ctx (the ingestor gives each INGEST_FILE call a bounded
// context) or MaxRecords.
func (r *Reader) Read(ctx context.Context, opts Options) (Result, error) {
	if _, err := os.Stat(opts.Path); err != nil {
		return Result{}, apperrors.Wrap(apperrors.ExternalUnavailable, "file-unavailable", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return Result{}, apperrors.Wrap(apperrors.ExternalUnavailable, "file-unavailable", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(opts.Path)); err != nil && r.logger != nil {
		r.logger.WithError(err).WithField("path", opts.Path).Warn("could not watch directory for rotation")
	}

	t, err := tail.TailFile(opts.Path, tail.Config{
		Location:  &tail.SeekInfo{Offset: opts.StartOffset, Whence: io.SeekStart},
		Follow:    true,
		ReOpen:    true,
		MustExist: true,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return Result{}, apperrors.Wrap(apperrors.ExternalUnavailable, "file-unavailable", err)
	}
	defer t.Stop()

	var result Result
	offset := opts.StartOffset

	for {
		if opts.MaxRecords > 0 && len(result.Records) >= opts.MaxRecords {
			break
		}
		select {
		case <-ctx.Done():
			result.EndOffset = offset
			return result, nil
		case ev, ok := <-watcher.Events:
			if ok && (ev.Op&(fsnotify.Create|fsnotify.Rename) != 0) && filepath.Clean(ev.Name) == filepath.Clean(opts.Path) {
				if r.logger != nil {
					r.logger.WithField("path", opts.Path).Info("file rotated, tail will reopen")
				}
			}
		case line, ok := <-t.Lines:
			if !ok {
				result.EndOffset = offset
				return result, nil
			}
			if line.Err != nil {
				result.SkippedLines++
				continue
			}
			text := strings.TrimRight(line.Text, "\r\n")
			offset += int64(len(line.Text)) + 1
			result.Records = append(result.Records, types.RawRecord{
				Timestamp: line.Time.UTC(),
				Source:    "file",
				Severity:  types.SeverityInfo,
				Message:   text,
				Cursor:    fmt.Sprintf("%d", offset),
			})
		}
	}
}
