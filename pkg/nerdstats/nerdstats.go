// Package nerdstats snapshots Go runtime counters (memory, GC, goroutines)
// for the shutdown report. Field meanings follow runtime.MemStats.
package nerdstats

import (
	"runtime"
	"runtime/debug"
	"time"

	"github.com/relaydeck/connhive/pkg/format"
)

type NerdStats struct {
	HeapAlloc    uint64
	HeapSys      uint64
	HeapInuse    uint64
	HeapReleased uint64
	StackInuse   uint64
	StackSys     uint64
	TotalAlloc   uint64
	Mallocs      uint64
	Frees        uint64

	NumGC         uint32
	LastGC        time.Time
	TotalGCTime   time.Duration
	GCCPUFraction float64

	NumGoroutines int
	NumCgoCall    int64

	NumCPU     int
	GOMAXPROCS int
	GoVersion  string
	Uptime     time.Duration

	BuildInfo *debug.BuildInfo
}

// Snapshot reads the runtime counters once. startTime anchors Uptime.
func Snapshot(startTime time.Time) *NerdStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	s := &NerdStats{
		HeapAlloc:    m.HeapAlloc,
		HeapSys:      m.HeapSys,
		HeapInuse:    m.HeapInuse,
		HeapReleased: m.HeapReleased,
		StackInuse:   m.StackInuse,
		StackSys:     m.StackSys,
		TotalAlloc:   m.TotalAlloc,
		Mallocs:      m.Mallocs,
		Frees:        m.Frees,

		NumGC:         m.NumGC,
		GCCPUFraction: m.GCCPUFraction,

		NumGoroutines: runtime.NumGoroutine(),
		NumCgoCall:    runtime.NumCgoCall(),

		NumCPU:     runtime.NumCPU(),
		GOMAXPROCS: runtime.GOMAXPROCS(0),
		GoVersion:  runtime.Version(),
		Uptime:     time.Since(startTime),
	}

	if m.LastGC > 0 {
		s.LastGC = time.Unix(0, int64(m.LastGC))
		s.TotalGCTime = time.Duration(m.PauseTotalNs)
	}

	if info, ok := debug.ReadBuildInfo(); ok {
		s.BuildInfo = info
	}

	return s
}

// GetMemoryPressure gives a coarse HIGH/MEDIUM/LOW read of heap behaviour.
func (s *NerdStats) GetMemoryPressure() string {
	heapRatio := float64(s.HeapInuse) / float64(s.HeapSys)
	allocRatio := float64(s.Mallocs) / float64(s.Frees+1)

	switch {
	case heapRatio > 0.9 && allocRatio > 1.5:
		return "HIGH"
	case heapRatio > 0.7 || allocRatio > 1.2:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

// GetGoroutineHealthStatus buckets the goroutine count. Thresholds assume a
// long-lived connection-pooling process: a dispatcher per live connection
// plus a handful of fixed workers. Up to 100 is HEALTHY, up to 500 NORMAL,
// up to 1000 ELEVATED, and anything above CONCERNING.
func (s *NerdStats) GetGoroutineHealthStatus() string {
	switch {
	case s.NumGoroutines > 1000:
		return "CONCERNING"
	case s.NumGoroutines > 500:
		return "ELEVATED"
	case s.NumGoroutines > 100:
		return "NORMAL"
	default:
		return "HEALTHY"
	}
}

// GetBuildInfoSummary extracts the handful of build settings worth logging.
func (s *NerdStats) GetBuildInfoSummary() map[string]string {
	out := make(map[string]string)
	if s.BuildInfo == nil {
		return out
	}

	out["path"] = s.BuildInfo.Path
	out["main_version"] = s.BuildInfo.Main.Version

	for _, setting := range s.BuildInfo.Settings {
		switch setting.Key {
		case "CGO_ENABLED", "GOARCH", "GOOS", "vcs.revision", "vcs.time":
			out[setting.Key] = setting.Value
		}
	}
	return out
}

func CalculateAverageGCPause(s *NerdStats) string {
	if s.NumGC == 0 {
		return "N/A"
	}
	return format.Duration(s.TotalGCTime / time.Duration(s.NumGC))
}
