package collector

import "time"

// VitalsSample is one reading of host vitals produced per sampling period.
type VitalsSample struct {
	Timestamp         time.Time   `json:"timestamp"`
	CPUUsagePercent   float64     `json:"cpu_usage_percent"`
	CPUTemperatureC   float64     `json:"cpu_temperature_c"`
	CPUClockMHz       float64     `json:"cpu_clock_mhz"`
	ProcessCount      int         `json:"process_count"`
	MemoryTotalGB     float64     `json:"memory_total_gb"`
	MemoryUsedGB      float64     `json:"memory_used_gb"`
	MemoryAvailableGB float64     `json:"memory_available_gb"`
	Disks             []DiskEntry `json:"disks"`
	UploadKbps        float64     `json:"upload_kbps"`
	DownloadKbps      float64     `json:"download_kbps"`

	// RateWindowShort is set when the CPU ticks were read but no load could be
	// computed against the previous reading (too recent, or the clock stepped
	// back). CPUUsagePercent is then a placeholder, not a measurement.
	RateWindowShort bool `json:"-"`
}

// DiskEntry holds usage for one fixed local volume.
type DiskEntry struct {
	VolumeID string  `json:"volume_id"`
	UsedGB   float64 `json:"used_gb"`
	TotalGB  float64 `json:"total_gb"`
}

// AvailableGB returns the unused capacity of the volume.
func (d DiskEntry) AvailableGB() float64 {
	return d.TotalGB - d.UsedGB
}

// UsedPercent returns 0 for a volume that reports no capacity.
func (d DiskEntry) UsedPercent() float64 {
	if d.TotalGB <= 0 {
		return 0
	}
	return d.UsedGB / d.TotalGB * 100
}

// PrimaryDisk returns the root volume if present, otherwise the first entry.
func (s VitalsSample) PrimaryDisk() DiskEntry {
	for _, d := range s.Disks {
		if d.VolumeID == rootVolume {
			return d
		}
	}
	if len(s.Disks) > 0 {
		return s.Disks[0]
	}
	return DiskEntry{VolumeID: rootVolume}
}

// CPUTicks is a cumulative tick vector in seconds since boot.
type CPUTicks struct {
	User    float64 `json:"user"`
	Nice    float64 `json:"nice"`
	System  float64 `json:"system"`
	Idle    float64 `json:"idle"`
	IOWait  float64 `json:"iowait"`
	IRQ     float64 `json:"irq"`
	SoftIRQ float64 `json:"softirq"`
	Steal   float64 `json:"steal"`
}

// Total returns the sum of all tick categories.
func (t CPUTicks) Total() float64 {
	return t.User + t.Nice + t.System + t.Idle + t.IOWait + t.IRQ + t.SoftIRQ + t.Steal
}

// Busy returns the non-idle share of Total.
func (t CPUTicks) Busy() float64 {
	return t.Total() - t.Idle - t.IOWait
}

// InterfaceCounters holds the cumulative byte counters of one network interface.
type InterfaceCounters struct {
	Name      string `json:"name"`
	BytesSent uint64 `json:"bytes_sent"`
	BytesRecv uint64 `json:"bytes_recv"`
}

// MemoryReading is an instantaneous memory reading in bytes.
type MemoryReading struct {
	TotalBytes     uint64
	AvailableBytes uint64
}

// VolumeReading is an instantaneous capacity reading for one volume in bytes.
type VolumeReading struct {
	Mountpoint  string
	TotalBytes  uint64
	UsableBytes uint64
}
