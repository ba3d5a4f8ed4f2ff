// Package journal streams the host's system journal as a finite,
// lazy sequence of normalized records (§4.B). It shells out to the
// external journal tool (journalctl by convention) the same way the
// teacher's container log monitor shells out to the Docker CLI: spawn,
// scan stdout line by line, parse, forward.
package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	apperrors "github.com/bonzupii/chimera-logmind/pkg/errors"
	"github.com/bonzupii/chimera-logmind/pkg/types"
)

// SourceName is the fixed source identifier journal records carry (§3).
const SourceName = "journal"

// journalTool is the external binary this reader invokes. A package
// variable rather than a constant so tests can point it at a fake.
var journalTool = "journalctl"

// rawLine is the subset of journalctl's --output=json fields this reader
// understands. Unknown fields are ignored by encoding/json by default.
type rawLine struct {
	RealtimeTimestamp string `json:"__REALTIME_TIMESTAMP"`
	Hostname          string `json:"_HOSTNAME"`
	SystemdUnit       string `json:"_SYSTEMD_UNIT"`
	Priority          string `json:"PRIORITY"`
	Message           string `json:"MESSAGE"`
	Cursor            string `json:"__CURSOR"`
}

// Options bound a single read: a time window, an optional cap on the
// number of records, and an optional resume cursor (§4.B contract).
type Options struct {
	WindowSeconds int64
	MaxRecords    int // 0 means unbounded
	StartCursor   string
}

// Reader spawns journalctl and streams normalized records from its
// stdout.
type Reader struct {
	logger *logrus.Logger
}

// New returns a journal Reader.
func New(logger *logrus.Logger) *Reader {
	return &Reader{logger: logger}
}

// Result is returned after a read completes: the records produced and a
// count of lines skipped for being malformed JSON. A non-zero exit of the
// tool is only logged; records already produced still stand (§4.B).
type Result struct {
	Records      []types.RawRecord
	SkippedLines int
}

// Read spawns journalctl with the given options and returns every record
// it emits, up to opts.MaxRecords, ending when the tool exits or EOFs.
// Malformed lines are skipped and counted, never abort the read.
func (r *Reader) Read(ctx context.Context, opts Options) (Result, error) {
	args := []string{"--output=json", "--no-pager"}
	if opts.StartCursor != "" {
		args = append(args, "--after-cursor", opts.StartCursor)
	} else {
		window := opts.WindowSeconds
		if window < 1 {
			window = 1
		}
		args = append(args, "--since", fmt.Sprintf("-%ds", window))
	}

	cmd := exec.CommandContext(ctx, journalTool, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, apperrors.Wrap(apperrors.ExternalUnavailable, "journal-unavailable", err)
	}

	if err := cmd.Start(); err != nil {
		return Result{}, apperrors.Wrap(apperrors.ExternalUnavailable, "journal-unavailable", err)
	}

	var result Result
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if opts.MaxRecords > 0 && len(result.Records) >= opts.MaxRecords {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		rec, ok := parseLine(line)
		if !ok {
			result.SkippedLines++
			continue
		}
		result.Records = append(result.Records, rec)
	}

	// Drain stdout before Wait, as exec.Cmd requires (Wait closes it).
	_ = scanner.Err()
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()
	if waitErr != nil && r.logger != nil {
		r.logger.WithError(waitErr).WithField("component", "journal").
			Warn("journal tool exited non-zero; records already read stand")
	}

	return result, nil
}

// parseLine converts one journalctl JSON line into a RawRecord. Returns
// ok=false only for invalid JSON, which the reader skips and counts,
// never aborting (§4.B). A record with an unparseable timestamp is
// returned with ok=true and a zero Timestamp.
func parseLine(line string) (types.RawRecord, bool) {
	var raw rawLine
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return types.RawRecord{}, false
	}

	// An unparseable timestamp is not a malformed line: the record is
	// passed through with a zero Timestamp and it is the ingestor's job
	// (§4.C) to drop and count it, never to assign it "now".
	var ts time.Time
	if micros, err := strconv.ParseInt(raw.RealtimeTimestamp, 10, 64); err == nil {
		ts = time.UnixMicro(micros).UTC()
	}

	priority, err := strconv.Atoi(raw.Priority)
	severity := types.Severity("info")
	if err == nil {
		if sev, ok := types.PriorityToSeverity[priority]; ok {
			severity = sev
		}
	}

	return types.RawRecord{
		Timestamp: ts,
		Hostname:  raw.Hostname,
		Unit:      raw.SystemdUnit,
		Source:    SourceName,
		Severity:  severity,
		Message:   raw.Message,
		Cursor:    raw.Cursor,
	}, true
}
