package transport

import (
	"os"
	"sort"
	"time"
)

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

func sortUint64s(s []uint64) {
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
}

func sortHistory(h []historyEntry) {
	sort.Slice(h, func(i, j int) bool { return h[i].Version < h[j].Version })
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
