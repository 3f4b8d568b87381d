package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/fleetmon/fleetmon/internal/errors"
	"github.com/fleetmon/fleetmon/internal/models"
	"github.com/rs/zerolog/log"
)

// cpuSample is one raw CPU counter reading, kept per container so the next
// collection cycle can compute a delta when the runtime does not provide
// PreCPUStats.
type cpuSample struct {
	totalUsage  uint64
	systemUsage uint64
	onlineCPUs  uint32
	read        time.Time
}

type dockerClient struct {
	docker client.APIClient

	cpuMu   sync.Mutex
	prevCPU map[string]cpuSample
}

func newDockerClient(host string) (*dockerClient, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	docker, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, err
	}
	return &dockerClient{
		docker:  docker,
		prevCPU: make(map[string]cpuSample),
	}, nil
}

func (d *dockerClient) close() error {
	return d.docker.Close()
}

// collect reads one stats sample for the container backing the source.
func (d *dockerClient) collect(ctx context.Context, source models.Source) (models.MetricsSnapshot, error) {
	inspect, _, err := d.docker.ContainerInspectWithRaw(ctx, source.ID, true)
	if err != nil {
		if client.IsErrNotFound(err) {
			d.forget(source.ID)
			return models.MetricsSnapshot{}, errors.NewCollectError("collect_container", source.TenantID, source.ID,
				fmt.Errorf("%w: %w", errors.ErrSourceNotFound, err))
		}
		return models.MetricsSnapshot{}, errors.WrapUnreachable("collect_container", source.TenantID, source.ID, err)
	}

	if inspect.State == nil || !inspect.State.Running {
		d.forget(source.ID)
		return models.MetricsSnapshot{}, errors.WrapUnreachable("collect_container", source.TenantID, source.ID,
			fmt.Errorf("container %s is not running", source.ID))
	}

	statsResp, err := d.docker.ContainerStatsOneShot(ctx, source.ID)
	if err != nil {
		return models.MetricsSnapshot{}, errors.WrapUnreachable("collect_container", source.TenantID, source.ID,
			fmt.Errorf("stats: %w", err))
	}
	defer statsResp.Body.Close()

	var stats containertypes.StatsResponse
	if err := json.NewDecoder(statsResp.Body).Decode(&stats); err != nil {
		return models.MetricsSnapshot{}, errors.WrapUnreachable("collect_container", source.TenantID, source.ID,
			fmt.Errorf("decode stats: %w", err))
	}

	var snap models.MetricsSnapshot
	snap.CPUUsagePercent = clampPercent(d.cpuPercent(source.ID, stats))

	memUsage, memLimit, memPercent := memoryUsage(stats)
	snap.MemoryUsedBytes = memUsage
	snap.MemoryTotalBytes = memLimit
	snap.MemoryUsagePercent = clampPercent(memPercent)

	snap.DiskUsedBytes, snap.DiskTotalBytes, snap.DiskUsagePercent = diskUsage(inspect)

	rx, tx := networkIO(stats)
	snap.NetworkRxBytes = int64(rx)
	snap.NetworkTxBytes = int64(tx)

	if startedAt := parseDockerTime(inspect.State.StartedAt); !startedAt.IsZero() {
		if uptime := int64(time.Since(startedAt).Seconds()); uptime > 0 {
			snap.UptimeSeconds = uptime
		}
	}

	return snap, nil
}

// cpuPercent computes container CPU usage from two consecutive counter
// reads. Prefers the runtime's own PreCPUStats; falls back to a sample
// retained from the previous cycle. The very first read for a container
// has no baseline and reports 0.
func (d *dockerClient) cpuPercent(id string, stats containertypes.StatsResponse) float64 {
	if percent := cpuPercentFromPrecpu(stats); percent > 0 {
		d.remember(id, stats)
		return percent
	}

	d.cpuMu.Lock()
	defer d.cpuMu.Unlock()

	current := cpuSample{
		totalUsage:  stats.CPUStats.CPUUsage.TotalUsage,
		systemUsage: stats.CPUStats.SystemUsage,
		onlineCPUs:  stats.CPUStats.OnlineCPUs,
		read:        stats.Read,
	}

	prev, ok := d.prevCPU[id]
	d.prevCPU[id] = current
	if !ok {
		log.Debug().Str("containerId", shortID(id)).Msg("First CPU sample collected, no baseline for delta")
		return 0
	}

	var totalDelta float64
	if current.totalUsage >= prev.totalUsage {
		totalDelta = float64(current.totalUsage - prev.totalUsage)
	} else {
		// Counter reset (container restart); fall back to the current reading.
		totalDelta = float64(current.totalUsage)
	}
	if totalDelta <= 0 {
		return 0
	}

	onlineCPUs := current.onlineCPUs
	if onlineCPUs == 0 {
		onlineCPUs = prev.onlineCPUs
	}
	if onlineCPUs == 0 {
		return 0
	}

	if current.systemUsage > prev.systemUsage {
		systemDelta := float64(current.systemUsage - prev.systemUsage)
		return safeFloat((totalDelta / systemDelta) * float64(onlineCPUs) * 100.0)
	}

	// System counter unusable; derive the denominator from wall time.
	if !prev.read.IsZero() && !current.read.IsZero() {
		if elapsed := current.read.Sub(prev.read).Seconds(); elapsed > 0 {
			return safeFloat((totalDelta / (elapsed * float64(onlineCPUs) * 1e9)) * 100.0)
		}
	}
	return 0
}

func (d *dockerClient) remember(id string, stats containertypes.StatsResponse) {
	d.cpuMu.Lock()
	defer d.cpuMu.Unlock()
	d.prevCPU[id] = cpuSample{
		totalUsage:  stats.CPUStats.CPUUsage.TotalUsage,
		systemUsage: stats.CPUStats.SystemUsage,
		onlineCPUs:  stats.CPUStats.OnlineCPUs,
		read:        stats.Read,
	}
}

func (d *dockerClient) forget(id string) {
	d.cpuMu.Lock()
	defer d.cpuMu.Unlock()
	delete(d.prevCPU, id)
}

func cpuPercentFromPrecpu(stats containertypes.StatsResponse) float64 {
	if stats.CPUStats.CPUUsage.TotalUsage < stats.PreCPUStats.CPUUsage.TotalUsage ||
		stats.CPUStats.SystemUsage < stats.PreCPUStats.SystemUsage {
		return 0
	}
	totalDelta := float64(stats.CPUStats.CPUUsage.TotalUsage - stats.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(stats.CPUStats.SystemUsage - stats.PreCPUStats.SystemUsage)
	if totalDelta <= 0 || systemDelta <= 0 {
		return 0
	}

	onlineCPUs := stats.CPUStats.OnlineCPUs
	if onlineCPUs == 0 {
		onlineCPUs = uint32(len(stats.CPUStats.CPUUsage.PercpuUsage))
	}
	if onlineCPUs == 0 {
		return 0
	}
	return safeFloat((totalDelta / systemDelta) * float64(onlineCPUs) * 100.0)
}

func memoryUsage(stats containertypes.StatsResponse) (usage int64, limit int64, percent float64) {
	usage = int64(stats.MemoryStats.Usage)
	// cgroup v1 counts page cache against the container; exclude it.
	if cache, ok := stats.MemoryStats.Stats["cache"]; ok {
		usage -= int64(cache)
	}
	if usage < 0 {
		usage = int64(stats.MemoryStats.Usage)
	}

	limit = int64(stats.MemoryStats.Limit)
	if limit > 0 {
		percent = (float64(usage) / float64(limit)) * 100.0
	}
	return usage, limit, safeFloat(percent)
}

func diskUsage(inspect containertypes.InspectResponse) (used int64, total int64, percent float64) {
	if inspect.SizeRw != nil {
		used = *inspect.SizeRw
	}
	if inspect.SizeRootFs != nil {
		total = *inspect.SizeRootFs
	}
	if total > 0 {
		percent = safeFloat(float64(used) / float64(total) * 100.0)
	}
	return used, total, clampPercent(percent)
}

func networkIO(stats containertypes.StatsResponse) (uint64, uint64) {
	var rxBytes, txBytes uint64
	for _, network := range stats.Networks {
		rxBytes += network.RxBytes
		txBytes += network.TxBytes
	}
	return rxBytes, txBytes
}

func parseDockerTime(value string) time.Time {
	if value == "" || value == "0001-01-01T00:00:00Z" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	return time.Time{}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return strings.TrimSpace(id)
}
