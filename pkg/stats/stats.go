// Package stats carries the process-wide guardrail policy and the
// statistics the engine accumulates about its own behavior. It is passed
// into trackers as a borrowed context object; tests build their own.
package stats

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/yairfalse/strata/pkg/event"
)

// Guardrail knobs. Sliced trackers report statistics once their dimension
// count crosses the soft limit and drop new keys past the hard limit.
const (
	DefaultDimensionSoftLimit = 500
	DefaultDimensionHardLimit = 800
)

// Stats is the per-process statistics sink.
type Stats struct {
	logger *zap.Logger

	DimensionSoftLimit int
	DimensionHardLimit int

	mu sync.Mutex
	// Largest observed dimension count per (config, tracker id).
	conditionDimensionSizes map[statKey]int
	metricDimensionSizes    map[statKey]int
	anomaliesDeclared       map[statKey]int64

	hardLimitHits atomic.Int64
}

type statKey struct {
	config event.ConfigKey
	id     int64
}

// New creates a statistics context with the default guardrail limits.
func New(logger *zap.Logger) *Stats {
	return &Stats{
		logger:                  logger,
		DimensionSoftLimit:      DefaultDimensionSoftLimit,
		DimensionHardLimit:      DefaultDimensionHardLimit,
		conditionDimensionSizes: make(map[statKey]int),
		metricDimensionSizes:    make(map[statKey]int),
		anomaliesDeclared:       make(map[statKey]int64),
	}
}

// NoteConditionDimensionSize records that a sliced condition reached the
// given tuple count, keeping the maximum.
func (s *Stats) NoteConditionDimensionSize(config event.ConfigKey, conditionID int64, size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := statKey{config, conditionID}
	if size > s.conditionDimensionSizes[k] {
		s.conditionDimensionSizes[k] = size
	}
}

// NoteMetricDimensionSize records that a metric tracker reached the given
// tuple count, keeping the maximum.
func (s *Stats) NoteMetricDimensionSize(config event.ConfigKey, trackerID int64, size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := statKey{config, trackerID}
	if size > s.metricDimensionSizes[k] {
		s.metricDimensionSizes[k] = size
	}
}

// NoteHardDimensionLimitReached counts a dropped dimension key.
func (s *Stats) NoteHardDimensionLimitReached(trackerID int64) {
	s.hardLimitHits.Add(1)
	if s.logger != nil {
		s.logger.Warn("dimension hard limit reached, dropping key",
			zap.Int64("tracker_id", trackerID))
	}
}

// NoteAnomalyDeclared counts a declared anomaly for an alert.
func (s *Stats) NoteAnomalyDeclared(config event.ConfigKey, alertID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anomaliesDeclared[statKey{config, alertID}]++
}

// AnomaliesDeclared returns the declared count for an alert.
func (s *Stats) AnomaliesDeclared(config event.ConfigKey, alertID int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.anomaliesDeclared[statKey{config, alertID}]
}

// ConditionDimensionSize returns the maximum observed tuple count for a
// condition.
func (s *Stats) ConditionDimensionSize(config event.ConfigKey, conditionID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conditionDimensionSizes[statKey{config, conditionID}]
}

// HardLimitHits returns the number of dropped dimension keys.
func (s *Stats) HardLimitHits() int64 {
	return s.hardLimitHits.Load()
}
