package monitoring

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemMetrics holds one snapshot of process resource usage.
type SystemMetrics struct {
	CPUPercent  float64
	MemoryBytes int64
	MemoryMB    float64
	Goroutines  int
	Timestamp   time.Time
}

// SystemMonitor periodically samples process CPU, memory, and goroutine
// counts, feeding both the Prometheus gauges and the health endpoint.
// Single measurement goroutine; readers take copies.
type SystemMonitor struct {
	logger zerolog.Logger
	proc   *process.Process

	mu      sync.RWMutex
	metrics SystemMetrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSystemMonitor creates a monitor bound to the current process.
func NewSystemMonitor(logger zerolog.Logger) *SystemMonitor {
	sm := &SystemMonitor{
		logger:  logger.With().Str("component", "system_monitor").Logger(),
		metrics: SystemMetrics{Timestamp: time.Now()},
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		sm.logger.Error().Err(err).Msg("failed to resolve own process, falling back to system memory")
	} else {
		sm.proc = proc
	}
	return sm
}

// Start begins periodic sampling until the context is cancelled.
func (sm *SystemMonitor) Start(ctx context.Context, interval time.Duration) {
	ctx, sm.cancel = context.WithCancel(ctx)

	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		defer RecoverPanic(sm.logger, "systemMonitor", nil)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		sm.logger.Info().Dur("interval", interval).Msg("system monitor started")
		sm.update()

		for {
			select {
			case <-ticker.C:
				sm.update()
			case <-ctx.Done():
				sm.logger.Info().Msg("system monitor stopped")
				return
			}
		}
	}()
}

func (sm *SystemMonitor) update() {
	var cpuPercent float64
	var memBytes int64

	if sm.proc != nil {
		if pct, err := sm.proc.Percent(0); err == nil {
			cpuPercent = pct
		}
		if info, err := sm.proc.MemoryInfo(); err == nil {
			memBytes = int64(info.RSS)
		}
	}
	if memBytes == 0 {
		if vmem, err := mem.VirtualMemory(); err == nil {
			memBytes = int64(vmem.Used)
		}
	}
	goroutines := runtime.NumGoroutine()

	sm.mu.Lock()
	sm.metrics = SystemMetrics{
		CPUPercent:  cpuPercent,
		MemoryBytes: memBytes,
		MemoryMB:    float64(memBytes) / (1024 * 1024),
		Goroutines:  goroutines,
		Timestamp:   time.Now(),
	}
	sm.mu.Unlock()

	CPUUsagePercent.Set(cpuPercent)
	MemoryUsageBytes.Set(float64(memBytes))
	GoroutinesActive.Set(float64(goroutines))

	sm.logger.Debug().
		Float64("cpu_percent", cpuPercent).
		Float64("memory_mb", float64(memBytes)/(1024*1024)).
		Int("goroutines", goroutines).
		Msg("system metrics updated")
}

// Metrics returns a copy of the latest snapshot.
func (sm *SystemMonitor) Metrics() SystemMetrics {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.metrics
}

// Shutdown stops the sampling goroutine and waits for it to exit.
func (sm *SystemMonitor) Shutdown() {
	if sm.cancel != nil {
		sm.cancel()
	}
	sm.wg.Wait()
}
