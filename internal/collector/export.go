package collector

import (
	"fmt"
	"time"
)

// Export map keys, as shown to the user by report exporters.
const (
	KeySampledAt       = "Sampled At"
	KeyCPUUsage        = "CPU Usage"
	KeyMemoryUsed      = "Memory Used"
	KeyMemoryAvailable = "Memory Available"
	KeyDiskUsage       = "Disk Usage"
	KeyNetworkActivity = "Network Activity"
)

// Snapshot flattens a sample into human-readable metric name -> value pairs
// for report exporters.
func Snapshot(s VitalsSample) map[string]string {
	disk := s.PrimaryDisk()
	return map[string]string{
		KeySampledAt: s.Timestamp.Format(time.DateTime),
		KeyCPUUsage: fmt.Sprintf("%.0f%% (Temp: %.0f°C, Clock: %.0f MHz, Processes: %d)",
			s.CPUUsagePercent, s.CPUTemperatureC, s.CPUClockMHz, s.ProcessCount),
		KeyMemoryUsed:      fmt.Sprintf("%.2f GB", s.MemoryUsedGB),
		KeyMemoryAvailable: fmt.Sprintf("%.2f GB", s.MemoryAvailableGB),
		KeyDiskUsage:       fmt.Sprintf("Used: %.2f GB / Total: %.2f GB", disk.UsedGB, disk.TotalGB),
		KeyNetworkActivity: fmt.Sprintf("Upload: %.0f Kbps, Download: %.0f Kbps", s.UploadKbps, s.DownloadKbps),
	}
}
