package core

import (
	"runtime"

	"github.com/dustin/go-humanize"
)

// memorySnapshot returns the live heap size. It stops the world briefly, so
// callers take it once per batch, not per row.
func memorySnapshot() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapAlloc
}

// FormatBytes renders a byte count for logs and CLI output.
func FormatBytes(n uint64) string {
	return humanize.IBytes(n)
}
