package engine

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yairfalse/strata/pkg/event"
	"github.com/yairfalse/strata/pkg/metrics"
)

// ConfigReport wraps one configuration's serialized metric data.
type ConfigReport struct {
	ReportID       string                  `json:"report_id"`
	ConfigUID      int32                   `json:"config_uid"`
	ConfigID       int64                   `json:"config_id"`
	DumpTimeNs     int64                   `json:"dump_time_ns"`
	Metrics        []*metrics.MetricReport `json:"metrics"`
	EstimatedBytes int                     `json:"estimated_bytes"`
}

// DumpReport serializes the buckets of one installed configuration.
// includePartial drains the open bucket; erase clears emitted state
// (reset-on-dump corruption included).
func (e *Engine) DumpReport(key event.ConfigKey, dumpTimeNs int64, includePartial,
	erase bool) (*ConfigReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cc, ok := e.configs[key]
	if !ok {
		return nil, fmt.Errorf("no config installed under %s", key)
	}

	report := &ConfigReport{
		ReportID:   uuid.NewString(),
		ConfigUID:  key.UID,
		ConfigID:   key.ID,
		DumpTimeNs: dumpTimeNs,
	}
	for _, prod := range cc.producers {
		mr := prod.DumpReport(dumpTimeNs, includePartial, erase)
		report.Metrics = append(report.Metrics, mr)
		report.EstimatedBytes += mr.EstimatedBytes
	}

	e.logger.Info("report dumped",
		zap.String("config", key.String()),
		zap.String("report_id", report.ReportID),
		zap.Int("metrics", len(report.Metrics)),
		zap.Int("estimated_bytes", report.EstimatedBytes))
	return report, nil
}

// Marshal renders the report as JSON.
func (r *ConfigReport) Marshal() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal report: %w", err)
	}
	return data, nil
}
