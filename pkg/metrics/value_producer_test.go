package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yairfalse/strata/pkg/config"
	"github.com/yairfalse/strata/pkg/event"
	"github.com/yairfalse/strata/pkg/stats"
)

func sampleEvent(ts int64, value int64) *event.LogEvent {
	e := event.NewLogEvent(40, ts)
	e.AppendValue(event.FieldValue{
		Field: event.NewField(40, []uint32{1, 0, 0}, 0),
		Value: event.IntValue(1),
	})
	e.AppendValue(event.FieldValue{
		Field: event.NewField(40, []uint32{2, 0, 0}, 0),
		Value: event.LongValue(value),
	})
	return e
}

func newValueProducer(t *testing.T, m config.ValueMetric) *ValueMetricProducer {
	t.Helper()
	if m.ID == 0 {
		m.ID = 7
	}
	if m.What == 0 {
		m.What = 100
	}
	if m.BucketSizeMillis == 0 {
		m.BucketSizeMillis = 60_000
	}
	return NewValueMetricProducer(ValueProducerParams{
		ConfigKey:      metricConfigKey,
		Metric:         m,
		WhatIndex:      0,
		ConditionIndex: -1,
		StartTimeNs:    0,
		Stats:          stats.New(zaptest.NewLogger(t)),
		Logger:         zaptest.NewLogger(t),
	})
}

func TestValueProducerAggregates(t *testing.T) {
	p := newValueProducer(t, config.ValueMetric{})

	p.OnMatchedLogEvent(0, sampleEvent(10*secNs, 5))
	p.OnMatchedLogEvent(0, sampleEvent(20*secNs, 3))
	p.OnMatchedLogEvent(0, sampleEvent(30*secNs, 9))

	report := p.DumpReport(40*secNs, true, true)
	require.Len(t, report.ValueData, 1)
	require.Len(t, report.ValueData[0].Buckets, 1)
	b := report.ValueData[0].Buckets[0]
	assert.Equal(t, int64(17), b.Sum)
	assert.Equal(t, int64(3), b.Min)
	assert.Equal(t, int64(9), b.Max)
	assert.Equal(t, int64(3), b.SampleCount)
	assert.InDelta(t, 17.0/3.0, b.Avg, 1e-9)
	assert.Equal(t, KindValue, report.Kind)
}

func TestValueProducerDiffMode(t *testing.T) {
	p := newValueProducer(t, config.ValueMetric{UseDiff: true})

	p.OnMatchedLogEvent(0, sampleEvent(10*secNs, 100)) // baseline
	p.OnMatchedLogEvent(0, sampleEvent(20*secNs, 130)) // +30
	p.OnMatchedLogEvent(0, sampleEvent(30*secNs, 150)) // +20

	report := p.DumpReport(40*secNs, true, true)
	require.Len(t, report.ValueData, 1)
	assert.Equal(t, int64(50), report.ValueData[0].Buckets[0].Sum)
}

func TestValueProducerCounterReset(t *testing.T) {
	// Without absolute-on-reset, a negative diff is dropped.
	p := newValueProducer(t, config.ValueMetric{UseDiff: true})
	p.OnMatchedLogEvent(0, sampleEvent(10*secNs, 100))
	p.OnMatchedLogEvent(0, sampleEvent(20*secNs, 40))
	p.OnMatchedLogEvent(0, sampleEvent(30*secNs, 70))
	report := p.DumpReport(40*secNs, true, true)
	assert.Equal(t, int64(30), report.ValueData[0].Buckets[0].Sum)

	// With it, the reset contributes the new absolute value.
	p2 := newValueProducer(t, config.ValueMetric{
		UseDiff:                 true,
		UseAbsoluteValueOnReset: true,
	})
	p2.OnMatchedLogEvent(0, sampleEvent(10*secNs, 100))
	p2.OnMatchedLogEvent(0, sampleEvent(20*secNs, 40))
	report = p2.DumpReport(30*secNs, true, true)
	assert.Equal(t, int64(40), report.ValueData[0].Buckets[0].Sum)
}

func TestValueProducerMissingFieldIsNoData(t *testing.T) {
	p := newValueProducer(t, config.ValueMetric{ValueField: 9})

	p.OnMatchedLogEvent(0, sampleEvent(10*secNs, 5))
	report := p.DumpReport(70*secNs, true, true)
	assert.Empty(t, report.ValueData)
	require.NotEmpty(t, report.SkippedBuckets)
	assert.Equal(t, DropNoData, report.SkippedBuckets[0].Drops[0].Reason)
}

func TestGaugeProducerKeepsLastSample(t *testing.T) {
	p := NewGaugeMetricProducer(GaugeProducerParams{
		ConfigKey:      metricConfigKey,
		Metric:         config.GaugeMetric{ID: 8, What: 100, BucketSizeMillis: 60_000},
		WhatIndex:      0,
		ConditionIndex: -1,
		StartTimeNs:    0,
		Stats:          stats.New(zaptest.NewLogger(t)),
		Logger:         zaptest.NewLogger(t),
	})

	p.OnMatchedLogEvent(0, sampleEvent(10*secNs, 5))
	p.OnMatchedLogEvent(0, sampleEvent(20*secNs, 8))
	// Second bucket.
	p.OnMatchedLogEvent(0, sampleEvent(70*secNs, 2))

	report := p.DumpReport(80*secNs, true, true)
	require.Len(t, report.GaugeData, 1)
	buckets := report.GaugeData[0].Buckets
	require.Len(t, buckets, 2)
	assert.Equal(t, "8", buckets[0].Value)
	assert.Equal(t, 20*secNs, buckets[0].SampleTimeNs)
	assert.Equal(t, "2", buckets[1].Value)
	assert.Equal(t, KindGauge, report.Kind)
}
