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

// ValueBucket is one finalized window of aggregated samples.
type ValueBucket struct {
	BucketStartNs   int64   `json:"bucket_start_ns"`
	BucketEndNs     int64   `json:"bucket_end_ns"`
	Sum             int64   `json:"sum,omitempty"`
	Min             int64   `json:"min,omitempty"`
	Max             int64   `json:"max,omitempty"`
	Avg             float64 `json:"avg,omitempty"`
	SampleCount     int64   `json:"sample_count"`
	ConditionTrueNs int64   `json:"condition_true_ns,omitempty"`
}

// KeyedValueBuckets is one dimension's value buckets in a report.
type KeyedValueBuckets struct {
	Dimension string        `json:"dimension"`
	Buckets   []ValueBucket `json:"buckets"`
}

// ValueMetricProducer aggregates a numeric field of matched events into
// per-bucket sums, minimums, maximums and averages.
type ValueMetricProducer struct {
	producerBase

	cfg config.ValueMetric

	whatIndex        int
	valueField       uint32
	dimensionsInWhat []event.Matcher

	stateAtomIDs []int32
	stateKey     event.HashableDimensionKey

	current map[string]*valueSlice
	past    map[string]*keyedValueBuckets

	anomalyTrackers []*anomaly.Tracker
	notifier        anomaly.Notifier
}

type valueSlice struct {
	key      event.MetricDimensionKey
	sum      int64
	min      int64
	max      int64
	count    int64
	lastSeen int64
}

type keyedValueBuckets struct {
	key     event.MetricDimensionKey
	buckets []ValueBucket
}

// ValueProducerParams wires a value producer.
type ValueProducerParams struct {
	ConfigKey event.ConfigKey
	Metric    config.ValueMetric

	WhatIndex      int
	ConditionIndex int

	StateAtomIDs []int32
	StartTimeNs  int64

	AnomalyTrackers []*anomaly.Tracker
	Notifier        anomaly.Notifier

	Stats  *stats.Stats
	Logger *zap.Logger
}

// NewValueMetricProducer builds the producer.
func NewValueMetricProducer(p ValueProducerParams) *ValueMetricProducer {
	m := p.Metric
	prod := &ValueMetricProducer{
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
		valueField:       m.ValueField,
		dimensionsInWhat: m.DimensionsInWhat.LeafMatchers(),
		stateAtomIDs:     p.StateAtomIDs,
		current:          make(map[string]*valueSlice),
		past:             make(map[string]*keyedValueBuckets),
		anomalyTrackers:  p.AnomalyTrackers,
		notifier:         p.Notifier,
	}
	if prod.valueField == 0 {
		prod.valueField = 2
	}
	if p.ConditionIndex < 0 {
		prod.conditionState = condition.True
	}
	return prod
}

func (p *ValueMetricProducer) MatcherIndexes() []int { return []int{p.whatIndex} }
func (p *ValueMetricProducer) StateAtomIDs() []int32 { return p.stateAtomIDs }

// sample extracts the configured value field as an int64.
func (p *ValueMetricProducer) sample(e *event.LogEvent) (int64, bool) {
	target := event.SimpleField(p.valueField)
	for _, fv := range e.Values {
		if fv.Field.Word != target {
			continue
		}
		switch fv.Value.Type {
		case event.TypeInt:
			return int64(fv.Value.Int), true
		case event.TypeLong:
			return fv.Value.Long, true
		}
		return 0, false
	}
	return 0, false
}

func (p *ValueMetricProducer) OnMatchedLogEvent(matcherIndex int, e *event.LogEvent) {
	if matcherIndex != p.whatIndex {
		return
	}
	ts := e.ElapsedTimestampNs
	p.flushIfNeeded(ts)

	if p.conditionIndex >= 0 && p.conditionState != condition.True {
		return
	}
	v, ok := p.sample(e)
	if !ok {
		p.noteDrop(DropNoData, ts)
		return
	}

	key := event.MetricDimensionKey{
		DimensionKeyInWhat: event.FilterValues(p.dimensionsInWhat, e.Values),
		StateValuesKey:     p.stateKey,
	}
	encoded := key.Key()
	slice, found := p.current[encoded]
	if !found {
		first := v
		if p.cfg.UseDiff {
			// The first diff sample only establishes the baseline.
			first = 0
		}
		p.current[encoded] = &valueSlice{key: key, sum: first, min: v, max: v, count: 1, lastSeen: v}
		return
	}

	delta := v
	if p.cfg.UseDiff {
		delta = v - slice.lastSeen
		if delta < 0 {
			if p.cfg.UseAbsoluteValueOnReset {
				// Counter reset: take the new absolute value, not the
				// negative difference.
				delta = v
			} else {
				slice.lastSeen = v
				return
			}
		}
	}
	slice.sum += delta
	if v < slice.min {
		slice.min = v
	}
	if v > slice.max {
		slice.max = v
	}
	slice.count++
	slice.lastSeen = v

	for _, tr := range p.anomalyTrackers {
		tr.DetectAndDeclareAnomaly(ts, p.currentBucketNum, p.metricID, key, slice.sum,
			p.notifier)
	}
}

func (p *ValueMetricProducer) OnConditionChanged(state condition.State, timestampNs int64) {
	p.flushIfNeeded(timestampNs)
	p.conditionSeenInBucket = true
	p.conditionState = state
}

func (p *ValueMetricProducer) OnSlicedConditionMayChange(timestampNs int64) {
	p.flushIfNeeded(timestampNs)
	p.conditionSeenInBucket = true
}

func (p *ValueMetricProducer) OnStateChanged(timestampNs int64, atomID int32,
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

func (p *ValueMetricProducer) flushIfNeeded(eventTimeNs int64) {
	if eventTimeNs < p.currentBucketEndTimeNs() {
		return
	}
	p.flushCurrentBucket(eventTimeNs, "")
}

func (p *ValueMetricProducer) flushCurrentBucket(eventTimeNs int64, dropReason DropReason) {
	fullBucketEnd := p.currentBucketEndTimeNs()
	endNs := eventTimeNs
	isFullBucket := eventTimeNs >= fullBucketEnd
	if isFullBucket {
		endNs = fullBucketEnd
	}

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
			entry = &keyedValueBuckets{key: slice.key}
			p.past[encoded] = entry
		}
		entry.buckets = append(entry.buckets, ValueBucket{
			BucketStartNs: p.currentBucketStartTimeNs,
			BucketEndNs:   endNs,
			Sum:           slice.sum,
			Min:           slice.min,
			Max:           slice.max,
			Avg:           float64(slice.sum) / float64(slice.count),
			SampleCount:   slice.count,
		})
		anomalyCarry[slice.key] = slice.sum
	}
	if isFullBucket {
		for _, tr := range p.anomalyTrackers {
			tr.AddPastBucketMap(anomalyCarry, p.currentBucketNum)
		}
	}
	p.current = make(map[string]*valueSlice)

	if isFullBucket {
		numForward := 1 + (eventTimeNs-fullBucketEnd)/p.bucketSizeNs
		p.currentBucketStartTimeNs = fullBucketEnd + (numForward-1)*p.bucketSizeNs
		p.currentBucketNum += numForward
	} else {
		p.currentBucketStartTimeNs = eventTimeNs
	}
	p.conditionSeenInBucket = false
}

func (p *ValueMetricProducer) NotifyAppUpgrade(timestampNs int64) {
	if !p.splitOnUpgrade {
		return
	}
	p.flushCurrentBucket(timestampNs, DropUpgrade)
}

func (p *ValueMetricProducer) NotifyBootComplete(timestampNs int64) {
	if !p.splitOnUpgrade {
		return
	}
	p.flushCurrentBucket(timestampNs, DropUpgrade)
}

func (p *ValueMetricProducer) DumpReport(dumpTimeNs int64, includePartial bool,
	erase bool) *MetricReport {
	if includePartial {
		p.flushCurrentBucket(dumpTimeNs, DropDump)
	}

	report := &MetricReport{MetricID: p.metricID, Kind: KindValue}
	encodedKeys := make([]string, 0, len(p.past))
	for k := range p.past {
		encodedKeys = append(encodedKeys, k)
	}
	sort.Strings(encodedKeys)
	for _, k := range encodedKeys {
		entry := p.past[k]
		report.ValueData = append(report.ValueData, KeyedValueBuckets{
			Dimension: entry.key.String(),
			Buckets:   entry.buckets,
		})
	}
	p.drainReportTail(report, erase)
	report.EstimatedBytes = report.estimateBytes()

	if erase {
		p.past = make(map[string]*keyedValueBuckets)
	}
	return report
}
