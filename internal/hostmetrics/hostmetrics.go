// Package hostmetrics samples local resource utilisation for the device
// agent. The report it produces is the wire document the monitor's device
// collector consumes.
package hostmetrics

import (
	"context"
	"fmt"
	"time"

	gocpu "github.com/shirou/gopsutil/v4/cpu"
	godisk "github.com/shirou/gopsutil/v4/disk"
	gohost "github.com/shirou/gopsutil/v4/host"
	goload "github.com/shirou/gopsutil/v4/load"
	gomem "github.com/shirou/gopsutil/v4/mem"
	gonet "github.com/shirou/gopsutil/v4/net"
	gosensors "github.com/shirou/gopsutil/v4/sensors"
)

// System call wrappers for testing
var (
	cpuPercent         = gocpu.PercentWithContext
	virtualMemory      = gomem.VirtualMemoryWithContext
	diskUsage          = godisk.UsageWithContext
	netIOCounters      = gonet.IOCountersWithContext
	loadAvg            = goload.AvgWithContext
	hostUptime         = gohost.UptimeWithContext
	sensorTemperatures = gosensors.TemperaturesWithContext
)

// UtilizationReport is the normalized utilisation document served by the
// agent's /api/utilization endpoint. Percentages are already computed on
// the device; the monitor does not second-guess them.
type UtilizationReport struct {
	Hostname           string    `json:"hostname"`
	Timestamp          time.Time `json:"timestamp"`
	CPUUsagePercent    float64   `json:"cpuUsagePercent"`
	MemoryUsagePercent float64   `json:"memoryUsagePercent"`
	MemoryUsedBytes    int64     `json:"memoryUsedBytes"`
	MemoryTotalBytes   int64     `json:"memoryTotalBytes"`
	DiskUsagePercent   float64   `json:"diskUsagePercent"`
	DiskUsedBytes      int64     `json:"diskUsedBytes"`
	DiskTotalBytes     int64     `json:"diskTotalBytes"`
	NetworkRxBytes     int64     `json:"networkRxBytes"`
	NetworkTxBytes     int64     `json:"networkTxBytes"`
	UptimeSeconds      int64     `json:"uptimeSeconds"`
	LoadAverage        *float64  `json:"loadAverage,omitempty"`
	Temperature        *float64  `json:"temperature,omitempty"`
}

// Collect gathers one utilisation sample from the local system. Memory and
// disk stats are required; everything else degrades to zero or absent when
// the platform cannot report it.
func Collect(ctx context.Context, rootPath string) (UtilizationReport, error) {
	collectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	report := UtilizationReport{Timestamp: time.Now().UTC()}

	if usage, err := cpuPercent(collectCtx, time.Second, false); err == nil && len(usage) > 0 {
		report.CPUUsagePercent = clampPercent(usage[0])
	}

	memStats, err := virtualMemory(collectCtx)
	if err != nil {
		return UtilizationReport{}, fmt.Errorf("memory stats: %w", err)
	}
	report.MemoryUsagePercent = clampPercent(memStats.UsedPercent)
	report.MemoryUsedBytes = int64(memStats.Used)
	report.MemoryTotalBytes = int64(memStats.Total)

	if rootPath == "" {
		rootPath = "/"
	}
	diskStats, err := diskUsage(collectCtx, rootPath)
	if err != nil {
		return UtilizationReport{}, fmt.Errorf("disk stats for %s: %w", rootPath, err)
	}
	report.DiskUsagePercent = clampPercent(diskStats.UsedPercent)
	report.DiskUsedBytes = int64(diskStats.Used)
	report.DiskTotalBytes = int64(diskStats.Total)

	if counters, err := netIOCounters(collectCtx, false); err == nil && len(counters) > 0 {
		report.NetworkRxBytes = int64(counters[0].BytesRecv)
		report.NetworkTxBytes = int64(counters[0].BytesSent)
	}

	if uptime, err := hostUptime(collectCtx); err == nil {
		report.UptimeSeconds = int64(uptime)
	}

	if avg, err := loadAvg(collectCtx); err == nil && avg != nil {
		load1 := avg.Load1
		report.LoadAverage = &load1
	}

	if temp, ok := hottestSensor(collectCtx); ok {
		report.Temperature = &temp
	}

	return report, nil
}

// hottestSensor reports the highest temperature across available sensors.
// Many devices have none; that is not an error.
func hottestSensor(ctx context.Context) (float64, bool) {
	readings, err := sensorTemperatures(ctx)
	if err != nil || len(readings) == 0 {
		return 0, false
	}
	var max float64
	var found bool
	for _, r := range readings {
		if r.Temperature <= 0 {
			continue
		}
		if !found || r.Temperature > max {
			max = r.Temperature
			found = true
		}
	}
	return max, found
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
