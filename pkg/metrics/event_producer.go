package metrics

import (
	"go.uber.org/zap"

	"github.com/yairfalse/strata/pkg/condition"
	"github.com/yairfalse/strata/pkg/config"
	"github.com/yairfalse/strata/pkg/event"
	"github.com/yairfalse/strata/pkg/stats"
)

// EventMetricProducer reports every matched event verbatim; there is no
// bucketing, only the condition gate.
type EventMetricProducer struct {
	producerBase

	whatIndex int
	records   []EventRecord
}

// EventProducerParams wires an event producer.
type EventProducerParams struct {
	ConfigKey event.ConfigKey
	Metric    config.EventMetric

	WhatIndex      int
	ConditionIndex int
	StartTimeNs    int64

	Stats  *stats.Stats
	Logger *zap.Logger
}

// NewEventMetricProducer builds the producer.
func NewEventMetricProducer(p EventProducerParams) *EventMetricProducer {
	prod := &EventMetricProducer{
		producerBase: producerBase{
			configKey:                p.ConfigKey,
			metricID:                 p.Metric.ID,
			startTimeNs:              p.StartTimeNs,
			currentBucketStartTimeNs: p.StartTimeNs,
			// Event metrics report occurrences, not windows; a single
			// unbounded bucket keeps the shared geometry harmless.
			bucketSizeNs:   int64(1) << 62,
			conditionIndex: p.ConditionIndex,
			conditionState: condition.Unknown,
			stats:          p.Stats,
			logger:         p.Logger,
		},
		whatIndex: p.WhatIndex,
	}
	if p.ConditionIndex < 0 {
		prod.conditionState = condition.True
	}
	return prod
}

func (p *EventMetricProducer) MatcherIndexes() []int { return []int{p.whatIndex} }
func (p *EventMetricProducer) StateAtomIDs() []int32 { return nil }

func (p *EventMetricProducer) OnMatchedLogEvent(matcherIndex int, e *event.LogEvent) {
	if matcherIndex != p.whatIndex {
		return
	}
	if p.conditionIndex >= 0 && p.conditionState != condition.True {
		return
	}
	p.records = append(p.records, EventRecord{
		ElapsedTimestampNs: e.ElapsedTimestampNs,
		Tag:                e.Tag,
		Summary:            e.String(),
	})
}

func (p *EventMetricProducer) OnConditionChanged(state condition.State, timestampNs int64) {
	p.conditionState = state
	p.conditionSeenInBucket = true
}

func (p *EventMetricProducer) OnSlicedConditionMayChange(timestampNs int64) {
	p.conditionSeenInBucket = true
}

func (p *EventMetricProducer) OnStateChanged(int64, int32, event.FieldValue) {}

func (p *EventMetricProducer) NotifyAppUpgrade(int64)   {}
func (p *EventMetricProducer) NotifyBootComplete(int64) {}

func (p *EventMetricProducer) DumpReport(dumpTimeNs int64, includePartial bool,
	erase bool) *MetricReport {
	report := &MetricReport{
		MetricID: p.metricID,
		Kind:     KindEvent,
		Events:   append([]EventRecord(nil), p.records...),
	}
	p.drainReportTail(report, erase)
	report.EstimatedBytes = report.estimateBytes()
	if erase {
		p.records = nil
	}
	return report
}
