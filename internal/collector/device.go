package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fleetmon/fleetmon/internal/errors"
	"github.com/fleetmon/fleetmon/internal/hostmetrics"
	"github.com/fleetmon/fleetmon/internal/models"
)

// deviceClient fetches utilisation reports from the fleetmon agent running
// on remote edge devices. Device-reported percentages are trusted as-is.
type deviceClient struct {
	http *http.Client
}

func newDeviceClient(timeout time.Duration) *deviceClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &deviceClient{
		http: &http.Client{Timeout: timeout},
	}
}

func (d *deviceClient) collect(ctx context.Context, source models.Source) (models.MetricsSnapshot, error) {
	if source.Address == "" {
		return models.MetricsSnapshot{}, errors.NewCollectError("collect_device", source.TenantID, source.ID,
			fmt.Errorf("%w: device has no agent address", errors.ErrSourceNotFound))
	}

	url := agentURL(source.Address)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.MetricsSnapshot{}, errors.NewCollectError("collect_device", source.TenantID, source.ID, err)
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return models.MetricsSnapshot{}, errors.WrapUnreachable("collect_device", source.TenantID, source.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.MetricsSnapshot{}, errors.WrapUnreachable("collect_device", source.TenantID, source.ID,
			fmt.Errorf("agent returned status %d", resp.StatusCode))
	}

	var report hostmetrics.UtilizationReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return models.MetricsSnapshot{}, errors.WrapUnreachable("collect_device", source.TenantID, source.ID,
			fmt.Errorf("decode report: %w", err))
	}

	return models.MetricsSnapshot{
		CPUUsagePercent:    clampPercent(report.CPUUsagePercent),
		MemoryUsagePercent: clampPercent(report.MemoryUsagePercent),
		MemoryUsedBytes:    report.MemoryUsedBytes,
		MemoryTotalBytes:   report.MemoryTotalBytes,
		DiskUsagePercent:   clampPercent(report.DiskUsagePercent),
		DiskUsedBytes:      report.DiskUsedBytes,
		DiskTotalBytes:     report.DiskTotalBytes,
		NetworkRxBytes:     report.NetworkRxBytes,
		NetworkTxBytes:     report.NetworkTxBytes,
		UptimeSeconds:      report.UptimeSeconds,
		LoadAverage:        report.LoadAverage,
		Temperature:        report.Temperature,
	}, nil
}

func agentURL(address string) string {
	if strings.HasPrefix(address, "http://") || strings.HasPrefix(address, "https://") {
		return strings.TrimSuffix(address, "/") + "/api/utilization"
	}
	return "http://" + address + "/api/utilization"
}
