package metrics

import (
	"sort"

	"go.uber.org/zap"

	"github.com/yairfalse/strata/pkg/condition"
	"github.com/yairfalse/strata/pkg/config"
	"github.com/yairfalse/strata/pkg/event"
	"github.com/yairfalse/strata/pkg/stats"
)

// GaugeBucket is one finalized window's snapshot.
type GaugeBucket struct {
	BucketStartNs int64  `json:"bucket_start_ns"`
	BucketEndNs   int64  `json:"bucket_end_ns"`
	Value         string `json:"value"`
	SampleTimeNs  int64  `json:"sample_time_ns"`
}

// KeyedGaugeBuckets is one dimension's gauge buckets in a report.
type KeyedGaugeBuckets struct {
	Dimension string        `json:"dimension"`
	Buckets   []GaugeBucket `json:"buckets"`
}

// GaugeMetricProducer keeps the last sample of the configured field seen
// in each bucket, per dimension.
type GaugeMetricProducer struct {
	producerBase

	whatIndex        int
	valueField       uint32
	dimensionsInWhat []event.Matcher

	current map[string]*gaugeSlice
	past    map[string]*keyedGaugeBuckets
}

type gaugeSlice struct {
	key          event.MetricDimensionKey
	value        event.Value
	sampleTimeNs int64
}

type keyedGaugeBuckets struct {
	key     event.MetricDimensionKey
	buckets []GaugeBucket
}

// GaugeProducerParams wires a gauge producer.
type GaugeProducerParams struct {
	ConfigKey event.ConfigKey
	Metric    config.GaugeMetric

	WhatIndex      int
	ConditionIndex int
	StartTimeNs    int64

	Stats  *stats.Stats
	Logger *zap.Logger
}

// NewGaugeMetricProducer builds the producer.
func NewGaugeMetricProducer(p GaugeProducerParams) *GaugeMetricProducer {
	m := p.Metric
	prod := &GaugeMetricProducer{
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
		whatIndex:        p.WhatIndex,
		valueField:       m.ValueField,
		dimensionsInWhat: m.DimensionsInWhat.LeafMatchers(),
		current:          make(map[string]*gaugeSlice),
		past:             make(map[string]*keyedGaugeBuckets),
	}
	if prod.valueField == 0 {
		prod.valueField = 2
	}
	if p.ConditionIndex < 0 {
		prod.conditionState = condition.True
	}
	return prod
}

func (p *GaugeMetricProducer) MatcherIndexes() []int { return []int{p.whatIndex} }
func (p *GaugeMetricProducer) StateAtomIDs() []int32 { return nil }

func (p *GaugeMetricProducer) OnMatchedLogEvent(matcherIndex int, e *event.LogEvent) {
	if matcherIndex != p.whatIndex {
		return
	}
	ts := e.ElapsedTimestampNs
	p.flushIfNeeded(ts)

	if p.conditionIndex >= 0 && p.conditionState != condition.True {
		return
	}

	target := event.SimpleField(p.valueField)
	var sample *event.Value
	for i := range e.Values {
		if e.Values[i].Field.Word == target {
			sample = &e.Values[i].Value
			break
		}
	}
	if sample == nil {
		p.noteDrop(DropNoData, ts)
		return
	}

	key := event.MetricDimensionKey{
		DimensionKeyInWhat: event.FilterValues(p.dimensionsInWhat, e.Values),
	}
	encoded := key.Key()
	slice, ok := p.current[encoded]
	if !ok {
		slice = &gaugeSlice{key: key}
		p.current[encoded] = slice
	}
	slice.value = *sample
	slice.sampleTimeNs = ts
}

func (p *GaugeMetricProducer) OnConditionChanged(state condition.State, timestampNs int64) {
	p.flushIfNeeded(timestampNs)
	p.conditionSeenInBucket = true
	p.conditionState = state
}

func (p *GaugeMetricProducer) OnSlicedConditionMayChange(timestampNs int64) {
	p.flushIfNeeded(timestampNs)
	p.conditionSeenInBucket = true
}

func (p *GaugeMetricProducer) OnStateChanged(int64, int32, event.FieldValue) {}

func (p *GaugeMetricProducer) flushIfNeeded(eventTimeNs int64) {
	if eventTimeNs < p.currentBucketEndTimeNs() {
		return
	}
	p.flushCurrentBucket(eventTimeNs, "")
}

func (p *GaugeMetricProducer) flushCurrentBucket(eventTimeNs int64, dropReason DropReason) {
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

	for encoded, slice := range p.current {
		entry, ok := p.past[encoded]
		if !ok {
			entry = &keyedGaugeBuckets{key: slice.key}
			p.past[encoded] = entry
		}
		entry.buckets = append(entry.buckets, GaugeBucket{
			BucketStartNs: p.currentBucketStartTimeNs,
			BucketEndNs:   endNs,
			Value:         slice.value.String(),
			SampleTimeNs:  slice.sampleTimeNs,
		})
	}
	p.current = make(map[string]*gaugeSlice)

	if isFullBucket {
		numForward := 1 + (eventTimeNs-fullBucketEnd)/p.bucketSizeNs
		p.currentBucketStartTimeNs = fullBucketEnd + (numForward-1)*p.bucketSizeNs
		p.currentBucketNum += numForward
	} else {
		p.currentBucketStartTimeNs = eventTimeNs
	}
	p.conditionSeenInBucket = false
}

func (p *GaugeMetricProducer) NotifyAppUpgrade(timestampNs int64) {
	if !p.splitOnUpgrade {
		return
	}
	p.flushCurrentBucket(timestampNs, DropUpgrade)
}

func (p *GaugeMetricProducer) NotifyBootComplete(timestampNs int64) {
	if !p.splitOnUpgrade {
		return
	}
	p.flushCurrentBucket(timestampNs, DropUpgrade)
}

func (p *GaugeMetricProducer) DumpReport(dumpTimeNs int64, includePartial bool,
	erase bool) *MetricReport {
	if includePartial {
		p.flushCurrentBucket(dumpTimeNs, DropDump)
	}

	report := &MetricReport{MetricID: p.metricID, Kind: KindGauge}
	encodedKeys := make([]string, 0, len(p.past))
	for k := range p.past {
		encodedKeys = append(encodedKeys, k)
	}
	sort.Strings(encodedKeys)
	for _, k := range encodedKeys {
		entry := p.past[k]
		report.GaugeData = append(report.GaugeData, KeyedGaugeBuckets{
			Dimension: entry.key.String(),
			Buckets:   entry.buckets,
		})
	}
	p.drainReportTail(report, erase)
	report.EstimatedBytes = report.estimateBytes()

	if erase {
		p.past = make(map[string]*keyedGaugeBuckets)
	}
	return report
}
