// Package segment implements the on-disk file conventions for a single WAL
// segment: its name, discovery among siblings, and tolerant line reading.
// It holds no locking or replay policy of its own — internal/wal owns that
// — mirroring the narrow reader/writer split the teacher package uses
// between its top-level WAL and its segment subpackage.
package segment

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/shahriyarr/kvlog/internal/kverrors"
)

// Info identifies one segment file belonging to a WAL.
type Info struct {
	N    uint64
	Path string
}

// Name returns the conventional file name for segment N of the given base.
func Name(base string, n uint64) string {
	return fmt.Sprintf("%s.segment.%d", base, n)
}

// Discover lists the segment files for base found in dir, sorted ascending
// by N. Files that don't match "<base>.segment.<N>" exactly — including
// ".tmp" leftovers from an interrupted compaction — are silently ignored,
// so a crash mid-compaction never prevents a subsequent Open.
func Discover(dir, base string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: read wal dir %s: %v", kverrors.ErrIO, dir, err)
	}

	prefix := base + ".segment."
	var infos []Info
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		suffix := name[len(prefix):]
		n, err := strconv.ParseUint(suffix, 10, 64)
		if err != nil {
			continue
		}
		infos = append(infos, Info{N: n, Path: filepath.Join(dir, name)})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].N < infos[j].N })
	return infos, nil
}

// ReadLines reads path in full and splits it into newline-terminated
// records, dropping the trailing empty element a well-formed file produces.
// A missing file yields (nil, nil) rather than an error: a segment that
// vanished between a directory listing and a read is treated as empty, per
// the WAL's per-segment read-failure tolerance.
func ReadLines(path string) ([][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read segment %s: %v", kverrors.ErrIO, path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	lines := bytes.Split(data, []byte("\n"))
	if len(lines) > 0 && len(lines[len(lines)-1]) == 0 {
		lines = lines[:len(lines)-1]
	}
	out := make([][]byte, 0, len(lines))
	for _, l := range lines {
		if len(bytes.TrimSpace(l)) == 0 {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}
