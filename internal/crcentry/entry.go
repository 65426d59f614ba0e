// Package crcentry defines the canonical on-wire/on-disk representation of
// a single WAL operation: LogEntry, its deterministic CRC-32, and the line
// codec the segmented WAL and the replication protocol both build on.
package crcentry

import (
	"encoding/json"
	"fmt"
	"hash/crc32"

	"github.com/shahriyarr/kvlog/internal/kverrors"
)

// Op identifies the kind of operation a LogEntry records. GET exists only
// for the client-request dedup model; it is never durably logged.
type Op string

const (
	OpSet    Op = "SET"
	OpDelete Op = "DELETE"
	OpGet    Op = "GET"
)

// Entry is a single record of the write-ahead log: one operation against
// one key, with the version it produced and the CRC protecting it.
//
// Value holds the already-decoded JSON payload (nil, bool, float64,
// string, []any, or map[string]any) rather than a raw byte slice, so
// storage can keep it in memory without a second unmarshal.
type Entry struct {
	ID      uint64  `json:"id"`
	Op      Op      `json:"op"`
	Key     string  `json:"key"`
	Value   any     `json:"value"`
	Version *uint64 `json:"version"`
	CRC     *uint32 `json:"crc"`
}

// canonicalFields returns the entry's fields, excluding CRC, as a map.
// encoding/json sorts map[string]any keys alphabetically on Marshal, which
// is what makes this encoding deterministic and CRC-stable across
// processes without a bespoke canonical-JSON writer.
func canonicalFields(e Entry) map[string]any {
	m := map[string]any{
		"id":    e.ID,
		"op":    string(e.Op),
		"key":   e.Key,
		"value": e.Value,
	}
	if e.Version != nil {
		m["version"] = *e.Version
	} else {
		m["version"] = nil
	}
	return m
}

// ComputeCRC computes the CRC-32 (IEEE) of the entry's canonical
// serialization with the crc field removed.
func ComputeCRC(e Entry) uint32 {
	b, err := json.Marshal(canonicalFields(e))
	if err != nil {
		// canonicalFields only ever holds JSON-safe values decoded by this
		// same package, so a marshal failure here would be a bug, not a
		// runtime condition callers can act on.
		panic(fmt.Sprintf("crcentry: canonical marshal failed: %v", err))
	}
	return crc32.ChecksumIEEE(b)
}

// Validate reports whether entry.CRC is present and matches ComputeCRC.
// Entries with no CRC (legacy records) are never valid; see the WAL's
// replay semantics for how those are still tolerated for id bookkeeping.
func Validate(e Entry) bool {
	if e.CRC == nil {
		return false
	}
	return *e.CRC == ComputeCRC(e)
}

// Encode renders the entry, CRC included, as a canonical JSON object
// followed by a trailing newline, ready to append to a segment file. If
// e.CRC is nil it is computed first; Encode never mutates e.
func Encode(e Entry) []byte {
	crc := e.CRC
	if crc == nil {
		c := ComputeCRC(e)
		crc = &c
	}
	m := canonicalFields(e)
	m["crc"] = *crc
	b, err := json.Marshal(m)
	if err != nil {
		panic(fmt.Sprintf("crcentry: canonical marshal failed: %v", err))
	}
	return append(b, '\n')
}

// Decode parses a single WAL record line into an Entry. It does not
// validate the CRC; callers that care about integrity call Validate
// separately so parse errors and CRC failures can be distinguished and
// handled per the WAL's tolerant replay policy.
func Decode(line []byte) (Entry, error) {
	var raw struct {
		ID      uint64  `json:"id"`
		Op      Op      `json:"op"`
		Key     string  `json:"key"`
		Value   any     `json:"value"`
		Version *uint64 `json:"version"`
		CRC     *uint32 `json:"crc"`
	}
	if err := json.Unmarshal(line, &raw); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", kverrors.ErrIntegrity, err)
	}
	if raw.Key == "" {
		return Entry{}, fmt.Errorf("%w: log entry has empty key", kverrors.ErrIntegrity)
	}
	switch raw.Op {
	case OpSet, OpDelete, OpGet:
	default:
		return Entry{}, fmt.Errorf("%w: unknown op %q", kverrors.ErrIntegrity, raw.Op)
	}
	return Entry{
		ID:      raw.ID,
		Op:      raw.Op,
		Key:     raw.Key,
		Value:   raw.Value,
		Version: raw.Version,
		CRC:     raw.CRC,
	}, nil
}
