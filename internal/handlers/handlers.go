// Package handlers wires the protocol codec's parsed requests to the
// store and ingestor, implementing the routing table in §4.E: PING,
// HEALTH, VERSION, INGEST_JOURNAL, INGEST_FILE, QUERY_LOGS, DISCOVER.
package handlers

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	apperrors "github.com/bonzupii/chimera-logmind/pkg/errors"
	"github.com/bonzupii/chimera-logmind/pkg/types"

	"github.com/bonzupii/chimera-logmind/internal/ingest"
	"github.com/bonzupii/chimera-logmind/internal/protocol"
	"github.com/bonzupii/chimera-logmind/internal/server"
)

// Version is the value the VERSION verb reports.
const Version = "0.1.0"

// Store is the subset of *store.Store the handlers query.
type Store interface {
	QueryLogs(ctx context.Context, f types.QueryFilters) ([]types.LogEntry, error)
	Discover(ctx context.Context, f types.DiscoverFilters) ([]types.DiscoverRow, error)
}

// Ingestor is the subset of *ingest.Ingestor the handlers drive.
type Ingestor interface {
	IngestJournal(ctx context.Context, windowSeconds int64, maxRecords int) (ingest.Outcome, error)
	IngestFile(ctx context.Context, path string, maxRecords int) (ingest.Outcome, error)
}

// Handlers holds the dependencies every verb handler needs.
type Handlers struct {
	Store       Store
	Ingestor    Ingestor
	FileSources map[string]bool // allow-list for INGEST_FILE; nil/empty means none configured
}

// New builds a Handlers bundle. fileSources is the CHIMERA_FILE_SOURCES
// allow-list: when it is non-empty, INGEST_FILE only tails paths an
// operator has pre-approved, since the UDS protocol has no other
// authorization layer (§1, §6). When it is empty, any path is accepted.
func New(store Store, ingestor Ingestor, fileSources ...string) *Handlers {
	allowed := make(map[string]bool, len(fileSources))
	for _, p := range fileSources {
		allowed[p] = true
	}
	return &Handlers{Store: store, Ingestor: ingestor, FileSources: allowed}
}

// Register wires every verb this package implements onto a router that
// accepts (verb string, handler). *server.Server.Register satisfies this
// shape directly.
func (h *Handlers) Register(register func(verb string, fn server.Handler)) {
	register("PING", h.Ping)
	register("HEALTH", h.Health)
	register("VERSION", h.VersionHandler)
	register("INGEST_JOURNAL", h.IngestJournal)
	register("INGEST_FILE", h.IngestFile)
	register("QUERY_LOGS", h.QueryLogs)
	register("DISCOVER", h.Discover)
}

// Ping answers PONG.
func (h *Handlers) Ping(_ context.Context, _ protocol.Request, w io.Writer) error {
	return protocol.WritePong(w)
}

// Health answers OK; a future health handler can check store/journal
// liveness here without changing the wire contract.
func (h *Handlers) Health(_ context.Context, _ protocol.Request, w io.Writer) error {
	return protocol.WriteOK(w)
}

// VersionHandler reports the daemon's version string.
func (h *Handlers) VersionHandler(_ context.Context, _ protocol.Request, w io.Writer) error {
	return protocol.WriteScalar(w, Version)
}

// IngestJournal handles `INGEST_JOURNAL <seconds> [limit]`.
func (h *Handlers) IngestJournal(ctx context.Context, req protocol.Request, w io.Writer) error {
	seconds, err := requirePositiveInt64(req.PositionalAt(0), "seconds")
	if err != nil {
		return err
	}
	limit, err := optionalNonNegativeInt(req.PositionalAt(1), "limit")
	if err != nil {
		return err
	}

	outcome, err := h.Ingestor.IngestJournal(ctx, seconds, limit)
	if err != nil {
		return err
	}
	return protocol.WriteOK(w,
		fmt.Sprintf("inserted=%d", outcome.Inserted),
		fmt.Sprintf("total=%d", outcome.Total))
}

// IngestFile handles `INGEST_FILE <path> [limit]`, the SPEC_FULL.md
// file-source ingestion verb.
func (h *Handlers) IngestFile(ctx context.Context, req protocol.Request, w io.Writer) error {
	path := req.PositionalAt(0)
	if path == "" {
		return apperrors.New(apperrors.BadRequest, "missing path argument")
	}
	if len(h.FileSources) > 0 && !h.FileSources[path] {
		return apperrors.BadRequestf("path %q is not in the configured file source allow-list", path)
	}
	limit, err := optionalNonNegativeInt(req.PositionalAt(1), "limit")
	if err != nil {
		return err
	}

	outcome, err := h.Ingestor.IngestFile(ctx, path, limit)
	if err != nil {
		return err
	}
	return protocol.WriteOK(w,
		fmt.Sprintf("inserted=%d", outcome.Inserted),
		fmt.Sprintf("total=%d", outcome.Total))
}

// logRow is the NDJSON wire shape for one QUERY_LOGS result: ISO-8601
// UTC timestamps with a Z suffix, per §4.F.
type logRow struct {
	ID          int64     `json:"id"`
	Timestamp   time.Time `json:"ts"`
	Hostname    string    `json:"hostname"`
	Unit        string    `json:"unit"`
	Source      string    `json:"source"`
	Severity    string    `json:"severity"`
	Message     string    `json:"message"`
	Cursor      string    `json:"cursor,omitempty"`
	Fingerprint string    `json:"fingerprint"`
}

// QueryLogs handles `QUERY_LOGS since= min_severity= source= unit=
// hostname= contains= limit= order=`.
func (h *Handlers) QueryLogs(ctx context.Context, req protocol.Request, w io.Writer) error {
	filters, err := parseQueryFilters(req)
	if err != nil {
		return err
	}

	rows, err := h.Store.QueryLogs(ctx, filters)
	if err != nil {
		return err
	}

	for _, row := range rows {
		wireRow := logRow{
			ID:          row.ID,
			Timestamp:   row.Timestamp.UTC(),
			Hostname:    row.Hostname,
			Unit:        row.Unit,
			Source:      row.Source,
			Severity:    string(row.Severity),
			Message:     row.Message,
			Cursor:      row.Cursor,
			Fingerprint: row.Fingerprint,
		}
		if err := protocol.WriteNDJSON(w, wireRow); err != nil {
			return apperrors.Wrap(apperrors.ClientDisconnected, "write response", err)
		}
	}
	return nil
}

type discoverRow struct {
	Value string `json:"value"`
	Count int64  `json:"count"`
}

// Discover handles `DISCOVER UNITS|HOSTNAMES|SOURCES|SEVERITIES since= limit=`.
func (h *Handlers) Discover(ctx context.Context, req protocol.Request, w io.Writer) error {
	filters, err := parseDiscoverFilters(req)
	if err != nil {
		return err
	}

	rows, err := h.Store.Discover(ctx, filters)
	if err != nil {
		return err
	}

	for _, row := range rows {
		if err := protocol.WriteNDJSON(w, discoverRow{Value: row.Value, Count: row.Count}); err != nil {
			return apperrors.Wrap(apperrors.ClientDisconnected, "write response", err)
		}
	}
	return nil
}

func parseQueryFilters(req protocol.Request) (types.QueryFilters, error) {
	var f types.QueryFilters

	if v, ok, err := req.ArgInt64("since"); err != nil {
		return f, err
	} else if ok {
		f.HasSince = true
		f.SinceSeconds = v
	}

	if v, ok := req.Arg("min_severity"); ok {
		f.HasMinSev = true
		f.MinSeverity = types.Severity(strings.ToLower(v))
	}

	f.Source, _ = req.Arg("source")
	f.Unit, _ = req.Arg("unit")
	f.Hostname, _ = req.Arg("hostname")
	f.Contains, _ = req.Arg("contains")

	if v, ok, err := req.ArgInt("limit"); err != nil {
		return f, err
	} else if ok {
		f.Limit = v
	}

	if v, ok := req.Arg("order"); ok {
		switch types.Order(strings.ToLower(v)) {
		case types.OrderAsc:
			f.Order = types.OrderAsc
		case types.OrderDesc:
			f.Order = types.OrderDesc
		default:
			return f, apperrors.BadRequestf("order must be asc or desc")
		}
	}

	return f, nil
}

func parseDiscoverFilters(req protocol.Request) (types.DiscoverFilters, error) {
	var f types.DiscoverFilters

	dim := strings.ToLower(req.PositionalAt(0))
	switch dim {
	case "units":
		f.Dimension = types.DimensionUnits
	case "hostnames":
		f.Dimension = types.DimensionHostnames
	case "sources":
		f.Dimension = types.DimensionSources
	case "severities":
		f.Dimension = types.DimensionSeverities
	default:
		return f, apperrors.BadRequestf("unknown discover dimension %q", req.PositionalAt(0))
	}

	if v, ok, err := req.ArgInt64("since"); err != nil {
		return f, err
	} else if ok {
		f.HasSince = true
		f.SinceSeconds = v
	}
	if v, ok, err := req.ArgInt("limit"); err != nil {
		return f, err
	} else if ok {
		f.Limit = v
	}

	return f, nil
}

func requirePositiveInt64(raw, name string) (int64, error) {
	if raw == "" {
		return 0, apperrors.BadRequestf("missing %s argument", name)
	}
	var n int64
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return 0, apperrors.BadRequestf("%s must be an integer", name)
	}
	if n < 1 {
		return 0, apperrors.BadRequestf("%s must be >= 1", name)
	}
	return n, nil
}

func optionalNonNegativeInt(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return 0, apperrors.BadRequestf("%s must be an integer", name)
	}
	if n < 0 {
		return 0, apperrors.BadRequestf("%s must be >= 0", name)
	}
	return n, nil
}
