// Package fingerprint derives the stable identity of a log record: a
// canonical fingerprint string, a deterministic 64-bit row id hashed from
// it, and a fast in-memory duplicate check an ingest batch can use before
// ever touching the store.
//
// The hash pairing here (crypto/sha256 for the id, xxhash for the
// in-memory fast path) mirrors the same pairing the log capturer's
// content-dedup cache used, applied to row identity instead of a cache
// key.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// separator joins fingerprint fields with 0x1f, the ASCII unit separator,
// rather than a printable delimiter, since the fields are free-form text.
// Fields are not escaped, so a field that itself contains 0x1f can make
// two different records share a fingerprint.
const separator = "\x1f"

// Canonical builds the canonical fingerprint input for a record: the
// concatenation, separator-joined, of (ts_iso8601_utc, hostname, unit,
// source, severity, message). Empty fields encode as the empty string.
func Canonical(ts time.Time, hostname, unit, source, severity, message string) string {
	parts := []string{
		ts.UTC().Format(time.RFC3339Nano),
		hostname,
		unit,
		source,
		severity,
		message,
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += separator + p
	}
	return out
}

// ID derives the deterministic signed 64-bit row id from a fingerprint:
// the first 8 bytes of sha256(fingerprint), big-endian, with the sign bit
// cleared so the value fits a signed 64-bit column. The same fingerprint
// always yields the same id, on any host, on any run.
func ID(fp string) int64 {
	sum := sha256.Sum256([]byte(fp))
	v := binary.BigEndian.Uint64(sum[:8])
	v &^= 1 << 63 // clear the sign bit
	return int64(v)
}

// FastKey returns an xxhash-based key suitable for an in-memory set,
// cheaper to compute than the sha256 id and used only to short-circuit
// duplicate fingerprints already seen earlier in the same batch. It is
// never used for row identity — ID is, and is the only hash that touches
// the store's primary key.
func FastKey(fp string) uint64 {
	return xxhash.Sum64String(fp)
}

// BatchDedup is a single-batch, non-persistent set of fingerprints seen so
// far, keyed by FastKey. It exists purely to avoid re-deriving and
// re-inserting a record whose fingerprint repeats within one ingest call
// (e.g. the same line appearing twice in one journal window); it does not
// replace the store's own unique-id/cursor conflict handling, which is
// what makes dedup correct across runs.
type BatchDedup struct {
	mu   sync.Mutex
	seen map[uint64]struct{}
}

// NewBatchDedup returns an empty dedup set sized for an expected batch.
func NewBatchDedup(expected int) *BatchDedup {
	return &BatchDedup{seen: make(map[uint64]struct{}, expected)}
}

// SeenOrAdd reports whether fp was already recorded, and records it if
// not. The first call for a given fingerprint returns false.
func (b *BatchDedup) SeenOrAdd(fp string) bool {
	key := FastKey(fp)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.seen[key]; ok {
		return true
	}
	b.seen[key] = struct{}{}
	return false
}

// Len returns the number of distinct fingerprints recorded so far.
func (b *BatchDedup) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.seen)
}

