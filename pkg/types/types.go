// Package types defines the data structures shared across the store,
// ingestor, and protocol handlers: the normalized log record, the
// per-source ingest cursor, and the query/discovery filter shapes.
package types

import "time"

// Severity is a syslog-style level name. Only the eight names in
// SeverityRank participate in min_severity ordering; anything else is
// stored as-is and never matches a min_severity filter.
type Severity string

const (
	SeverityEmerg   Severity = "emerg"
	SeverityAlert   Severity = "alert"
	SeverityCrit    Severity = "crit"
	SeverityErr     Severity = "err"
	SeverityWarning Severity = "warning"
	SeverityNotice  Severity = "notice"
	SeverityInfo    Severity = "info"
	SeverityDebug   Severity = "debug"
)

// SeverityRank orders syslog severities from most severe (0) to least
// severe (7). Severities absent from this table never satisfy a
// min_severity filter.
var SeverityRank = map[Severity]int{
	SeverityEmerg:   0,
	SeverityAlert:   1,
	SeverityCrit:    2,
	SeverityErr:     3,
	SeverityWarning: 4,
	SeverityNotice:  5,
	SeverityInfo:    6,
	SeverityDebug:   7,
}

// PriorityToSeverity maps a syslog numeric priority (0-7, as emitted by
// the journal reader) to its severity name.
var PriorityToSeverity = map[int]Severity{
	0: SeverityEmerg,
	1: SeverityAlert,
	2: SeverityCrit,
	3: SeverityErr,
	4: SeverityWarning,
	5: SeverityNotice,
	6: SeverityInfo,
	7: SeverityDebug,
}

// RawRecord is a single record as produced by a log source reader
// (journal or file), already mapped to this system's field names but not
// yet fingerprinted or assigned an id.
type RawRecord struct {
	Timestamp time.Time
	Hostname  string
	Unit      string
	Source    string
	Severity  Severity
	Message   string
	Cursor    string // empty when the source has no position token
}

// LogEntry is one normalized, deduplicated log record as stored in the
// analytic store. Never mutated after insertion.
type LogEntry struct {
	ID          int64
	Timestamp   time.Time
	Hostname    string
	Unit        string
	Source      string
	Severity    Severity
	Message     string
	Cursor      string // empty means no cursor was recorded
	Fingerprint string
}

// IngestState is the cursor/progress bookmark for one named source.
type IngestState struct {
	SourceName string
	Cursor     string
	UpdatedAt  time.Time
}

// DiscoverDimension is a grouping dimension for the DISCOVER verb.
type DiscoverDimension string

const (
	DimensionUnits      DiscoverDimension = "units"
	DimensionHostnames  DiscoverDimension = "hostnames"
	DimensionSources    DiscoverDimension = "sources"
	DimensionSeverities DiscoverDimension = "severities"
)

// Order is the sort direction for QUERY_LOGS.
type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

// DefaultQueryLimit and MaxQueryLimit bound QUERY_LOGS's limit argument.
const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 10000
)

// DefaultDiscoverLimit and MaxDiscoverLimit bound DISCOVER's limit
// argument.
const (
	DefaultDiscoverLimit = 50
	MaxDiscoverLimit     = 500
)

// QueryFilters is the parsed, typed form of QUERY_LOGS's k=v arguments.
type QueryFilters struct {
	SinceSeconds int64 // lower bound applies only when HasSince is set
	HasSince     bool
	MinSeverity  Severity
	HasMinSev    bool
	Source       string
	Unit         string
	Hostname     string
	Contains     string
	Limit        int
	Order        Order
}

// DiscoverFilters is the parsed, typed form of DISCOVER's k=v arguments.
type DiscoverFilters struct {
	Dimension    DiscoverDimension
	SinceSeconds int64
	HasSince     bool
	Limit        int
}

// DiscoverRow is one {value, count} aggregation result.
type DiscoverRow struct {
	Value string
	Count int64
}
