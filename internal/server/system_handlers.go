package server

import (
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemStatusResponse is the host and process status
type SystemStatusResponse struct {
	Uptime        string  `json:"uptime"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskFreeGB    float64 `json:"disk_free_gb"`
	DiskPercent   float64 `json:"disk_used_percent"`
	Session       string  `json:"session,omitempty"`
}

// systemStats are the gopsutil probes, replaced in tests
type systemStats struct {
	cpuPercent func(interval time.Duration, percpu bool) ([]float64, error)
	memory     func() (*mem.VirtualMemoryStat, error)
	diskUsage  func(path string) (*disk.UsageStat, error)
}

func defaultSystemStats() systemStats {
	return systemStats{
		cpuPercent: cpu.Percent,
		memory:     mem.VirtualMemory,
		diskUsage:  disk.Usage,
	}
}

// handleSystemStatus reports CPU, memory and data volume usage.
// Probe failures are logged and reported as zero.
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	resp := SystemStatusResponse{
		Uptime: time.Since(s.startedAt).Round(time.Second).String(),
	}

	// 100ms keeps the call fast while still averaging over a window
	if pct, err := s.stats.cpuPercent(100*time.Millisecond, false); err != nil {
		s.log.Warn().Err(err).Msg("Failed to get CPU percentage")
	} else if len(pct) > 0 {
		resp.CPUPercent = pct[0]
	}

	if vm, err := s.stats.memory(); err != nil {
		s.log.Warn().Err(err).Msg("Failed to get memory statistics")
	} else {
		resp.MemoryPercent = vm.UsedPercent
	}

	if s.dataDir != "" {
		if usage, err := s.stats.diskUsage(s.dataDir); err != nil {
			s.log.Warn().Err(err).Str("dir", s.dataDir).Msg("Failed to get disk usage")
		} else {
			resp.DiskFreeGB = float64(usage.Free) / 1e9
			resp.DiskPercent = usage.UsedPercent
		}
	}

	if s.session != nil {
		resp.Session = string(s.session.Snapshot().State)
	}

	s.writeJSON(w, http.StatusOK, resp)
}
