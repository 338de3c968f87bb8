package metrics

import (
	"sort"

	"go.uber.org/zap"

	"github.com/yairfalse/strata/pkg/anomaly"
	"github.com/yairfalse/strata/pkg/condition"
	"github.com/yairfalse/strata/pkg/config"
	"github.com/yairfalse/strata/pkg/event"
	"github.com/yairfalse/strata/pkg/stats"
)

// CountMetricProducer counts matched events per bucket, sliced by
// dimensions-in-what and state.
type CountMetricProducer struct {
	producerBase

	cfg config.CountMetric

	whatIndex        int
	dimensionsInWhat []event.Matcher

	stateAtomIDs []int32
	stateKey     event.HashableDimensionKey

	// Open bucket counters per metric dimension key.
	current map[string]*countSlice

	past map[string]*keyedCountBuckets

	anomalyTrackers []*anomaly.Tracker
	notifier        anomaly.Notifier
}

type countSlice struct {
	key   event.MetricDimensionKey
	count int64
}

type keyedCountBuckets struct {
	key     event.MetricDimensionKey
	buckets []CountBucket
}

// CountProducerParams wires a count producer.
type CountProducerParams struct {
	ConfigKey event.ConfigKey
	Metric    config.CountMetric

	WhatIndex      int
	ConditionIndex int

	StateAtomIDs []int32
	StartTimeNs  int64

	AnomalyTrackers []*anomaly.Tracker
	Notifier        anomaly.Notifier

	Stats  *stats.Stats
	Logger *zap.Logger
}

// NewCountMetricProducer builds the producer with its first bucket
// anchored at StartTimeNs.
func NewCountMetricProducer(p CountProducerParams) *CountMetricProducer {
	m := p.Metric
	prod := &CountMetricProducer{
		producerBase: producerBase{
			configKey:                p.ConfigKey,
			metricID:                 m.ID,
			startTimeNs:              p.StartTimeNs,
			currentBucketStartTimeNs: p.StartTimeNs,
			bucketSizeNs:             m.BucketSizeMillis * int64(1_000_000),
			conditionIndex:           p.ConditionIndex,
			conditionState:           condition.Unknown,
			splitOnUpgrade:           m.SplitBucketForAppUpgrade == nil || *m.SplitBucketForAppUpgrade,
			minBucketSizeNs:          m.MinBucketSizeNanos,
			stats:                    p.Stats,
			logger:                   p.Logger,
		},
		cfg:              m,
		whatIndex:        p.WhatIndex,
		dimensionsInWhat: m.DimensionsInWhat.LeafMatchers(),
		stateAtomIDs:     p.StateAtomIDs,
		current:          make(map[string]*countSlice),
		past:             make(map[string]*keyedCountBuckets),
		anomalyTrackers:  p.AnomalyTrackers,
		notifier:         p.Notifier,
	}
	if p.ConditionIndex < 0 {
		prod.conditionState = condition.True
	}
	return prod
}

func (p *CountMetricProducer) MatcherIndexes() []int { return []int{p.whatIndex} }
func (p *CountMetricProducer) StateAtomIDs() []int32 { return p.stateAtomIDs }

func (p *CountMetricProducer) OnMatchedLogEvent(matcherIndex int, e *event.LogEvent) {
	if matcherIndex != p.whatIndex {
		return
	}
	ts := e.ElapsedTimestampNs
	p.flushIfNeeded(ts)

	if p.conditionIndex >= 0 && p.conditionState != condition.True {
		return
	}

	key := event.MetricDimensionKey{
		DimensionKeyInWhat: event.FilterValues(p.dimensionsInWhat, e.Values),
		StateValuesKey:     p.stateKey,
	}
	encoded := key.Key()
	slice, ok := p.current[encoded]
	if !ok {
		if p.hitGuardrail() {
			return
		}
		slice = &countSlice{key: key}
		p.current[encoded] = slice
	}
	slice.count++

	for _, tr := range p.anomalyTrackers {
		tr.DetectAndDeclareAnomaly(ts, p.currentBucketNum, p.metricID, key, slice.count,
			p.notifier)
	}
}

func (p *CountMetricProducer) hitGuardrail() bool {
	if p.stats == nil {
		return false
	}
	if len(p.current) >= p.stats.DimensionSoftLimit {
		newCount := len(p.current) + 1
		p.stats.NoteMetricDimensionSize(p.configKey, p.metricID, newCount)
		if newCount > p.stats.DimensionHardLimit {
			p.stats.NoteHardDimensionLimitReached(p.metricID)
			return true
		}
	}
	return false
}

func (p *CountMetricProducer) OnConditionChanged(state condition.State, timestampNs int64) {
	p.flushIfNeeded(timestampNs)
	p.conditionSeenInBucket = true
	p.conditionState = state
}

func (p *CountMetricProducer) OnSlicedConditionMayChange(timestampNs int64) {
	p.flushIfNeeded(timestampNs)
	p.conditionSeenInBucket = true
}

func (p *CountMetricProducer) OnStateChanged(timestampNs int64, atomID int32,
	newState event.FieldValue) {
	values := make([]event.FieldValue, 0, len(p.stateKey.Values)+1)
	replaced := false
	for _, fv := range p.stateKey.Values {
		if fv.Field.Tag == atomID {
			values = append(values, newState)
			replaced = true
		} else {
			values = append(values, fv)
		}
	}
	if !replaced {
		values = append(values, newState)
	}
	p.stateKey = event.HashableDimensionKey{Values: values}
}

func (p *CountMetricProducer) flushIfNeeded(eventTimeNs int64) {
	if eventTimeNs < p.currentBucketEndTimeNs() {
		return
	}
	p.flushCurrentBucket(eventTimeNs, "")
}

func (p *CountMetricProducer) flushCurrentBucket(eventTimeNs int64, dropReason DropReason) {
	fullBucketEnd := p.currentBucketEndTimeNs()
	endNs := eventTimeNs
	if eventTimeNs >= fullBucketEnd {
		endNs = fullBucketEnd
	}

	isFullBucket := eventTimeNs >= fullBucketEnd
	if len(p.current) == 0 {
		if p.conditionIndex >= 0 && !p.conditionSeenInBucket {
			p.noteDrop(DropConditionUnknown, eventTimeNs)
		} else if dropReason != "" {
			p.noteDrop(dropReason, eventTimeNs)
		}
	}
	p.closeSkippedBucket(endNs)

	anomalyCarry := make(map[event.MetricDimensionKey]int64, len(p.current))
	for encoded, slice := range p.current {
		entry, ok := p.past[encoded]
		if !ok {
			entry = &keyedCountBuckets{key: slice.key}
			p.past[encoded] = entry
		}
		entry.buckets = append(entry.buckets, CountBucket{
			BucketStartNs: p.currentBucketStartTimeNs,
			BucketEndNs:   endNs,
			Count:         slice.count,
		})
		anomalyCarry[slice.key] = slice.count
	}
	if isFullBucket {
		for _, tr := range p.anomalyTrackers {
			tr.AddPastBucketMap(anomalyCarry, p.currentBucketNum)
		}
	}
	p.current = make(map[string]*countSlice)

	if isFullBucket {
		numForward := 1 + (eventTimeNs-fullBucketEnd)/p.bucketSizeNs
		p.currentBucketStartTimeNs = fullBucketEnd + (numForward-1)*p.bucketSizeNs
		p.currentBucketNum += numForward
	} else {
		p.currentBucketStartTimeNs = eventTimeNs
	}
	p.conditionSeenInBucket = false
}

func (p *CountMetricProducer) NotifyAppUpgrade(timestampNs int64) {
	if !p.splitOnUpgrade {
		return
	}
	p.flushCurrentBucket(timestampNs, DropUpgrade)
}

func (p *CountMetricProducer) NotifyBootComplete(timestampNs int64) {
	if !p.splitOnUpgrade {
		return
	}
	p.flushCurrentBucket(timestampNs, DropUpgrade)
}

func (p *CountMetricProducer) DumpReport(dumpTimeNs int64, includePartial bool,
	erase bool) *MetricReport {
	if includePartial {
		p.flushCurrentBucket(dumpTimeNs, DropDump)
	}

	report := &MetricReport{MetricID: p.metricID, Kind: KindCount}
	encodedKeys := make([]string, 0, len(p.past))
	for k := range p.past {
		encodedKeys = append(encodedKeys, k)
	}
	sort.Strings(encodedKeys)
	for _, k := range encodedKeys {
		entry := p.past[k]
		report.CountData = append(report.CountData, KeyedCountBuckets{
			Dimension: entry.key.String(),
			Buckets:   entry.buckets,
		})
	}
	p.drainReportTail(report, erase)
	report.EstimatedBytes = report.estimateBytes()

	if erase {
		p.past = make(map[string]*keyedCountBuckets)
	}
	return report
}
