package resource

import (
	"context"
	"log"
	"runtime"
	"time"
)

// MonitorConfig tunes the process heap watermarks that drive forced
// cleanup of tracked resources.
type MonitorConfig struct {
	Interval               time.Duration
	HighWatermarkBytes     uint64
	CriticalWatermarkBytes uint64
	AggressiveCleanup      bool
	IdleThreshold          time.Duration
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.HighWatermarkBytes == 0 {
		c.HighWatermarkBytes = 512 << 20
	}
	if c.CriticalWatermarkBytes == 0 {
		c.CriticalWatermarkBytes = 1 << 30
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = 60 * time.Second
	}
	return c
}

// StartMonitor watches heap usage until ctx ends. Above the high watermark
// it force-cleans idle registrations; above the critical watermark with
// aggressive cleanup enabled it force-cleans everything.
func (m *Manager) StartMonitor(ctx context.Context, cfg MonitorConfig) {
	cfg = cfg.withDefaults()
	ticker := time.NewTicker(cfg.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.checkPressure(cfg)
			}
		}
	}()
}

func (m *Manager) checkPressure(cfg MonitorConfig) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	heap := ms.HeapAlloc

	switch {
	case heap >= cfg.CriticalWatermarkBytes && cfg.AggressiveCleanup:
		n := m.forceCleanup(nil)
		log.Printf("resource: critical memory pressure (heap=%dMiB), force-cleaned %d resources",
			heap>>20, n)
	case heap >= cfg.CriticalWatermarkBytes, heap >= cfg.HighWatermarkBytes:
		cutoff := time.Now().Add(-cfg.IdleThreshold)
		n := m.forceCleanup(func(r *Registration) bool {
			return r.LastActivity.Before(cutoff)
		})
		if n > 0 {
			log.Printf("resource: memory pressure (heap=%dMiB), force-cleaned %d idle resources",
				heap>>20, n)
		}
	}
}
