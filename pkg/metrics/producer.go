package metrics

import (
	"go.uber.org/zap"

	"github.com/yairfalse/strata/pkg/condition"
	"github.com/yairfalse/strata/pkg/event"
	"github.com/yairfalse/strata/pkg/stats"
)

// MetricKind names the producer variant in reports.
type MetricKind string

const (
	KindCount    MetricKind = "count"
	KindDuration MetricKind = "duration"
	KindValue    MetricKind = "value"
	KindGauge    MetricKind = "gauge"
	KindEvent    MetricKind = "event"
)

// KeyedDurationBuckets is one dimension's duration buckets in a report.
type KeyedDurationBuckets struct {
	Dimension string           `json:"dimension"`
	StateKey  string           `json:"state_key,omitempty"`
	Buckets   []DurationBucket `json:"buckets"`
}

// KeyedCountBuckets is one dimension's count buckets in a report.
type KeyedCountBuckets struct {
	Dimension string        `json:"dimension"`
	Buckets   []CountBucket `json:"buckets"`
}

// EventRecord is one verbatim occurrence reported by an event metric.
type EventRecord struct {
	ElapsedTimestampNs int64  `json:"elapsed_timestamp_ns"`
	Tag                int32  `json:"tag"`
	Summary            string `json:"summary"`
}

// MetricReport is one producer's contribution to a config report.
type MetricReport struct {
	MetricID int64      `json:"metric_id"`
	Kind     MetricKind `json:"kind"`

	DurationData []KeyedDurationBuckets `json:"duration_data,omitempty"`
	CountData    []KeyedCountBuckets    `json:"count_data,omitempty"`
	ValueData    []KeyedValueBuckets    `json:"value_data,omitempty"`
	GaugeData    []KeyedGaugeBuckets    `json:"gauge_data,omitempty"`
	Events       []EventRecord          `json:"events,omitempty"`

	SkippedBuckets       []SkippedBucket    `json:"skipped_buckets,omitempty"`
	DataCorruptedReasons []CorruptionReason `json:"data_corrupted_reasons,omitempty"`

	EstimatedBytes int `json:"estimated_bytes"`
}

// Producer is one metric host: it consumes matched events and condition
// changes, owns its buckets, and serializes them on dump.
type Producer interface {
	MetricID() int64

	// MatcherIndexes lists the matcher-table indices whose hits this
	// producer consumes.
	MatcherIndexes() []int
	// ConditionIndex returns the condition-table index this producer is
	// gated by, or -1.
	ConditionIndex() int
	// StateAtomIDs lists the state atoms this producer slices by.
	StateAtomIDs() []int32

	OnMatchedLogEvent(matcherIndex int, e *event.LogEvent)
	OnConditionChanged(state condition.State, timestampNs int64)
	OnSlicedConditionMayChange(timestampNs int64)
	OnStateChanged(timestampNs int64, atomID int32, newState event.FieldValue)

	// NotifyAppUpgrade and NotifyBootComplete split the current bucket
	// when the producer is configured to, otherwise extend across.
	NotifyAppUpgrade(timestampNs int64)
	NotifyBootComplete(timestampNs int64)

	// NoteCorruption records an input loss for the next report.
	NoteCorruption(reason CorruptionReason, severity DataCorruptionSeverity)

	// DumpReport serializes finalized buckets; includePartial drains the
	// open bucket, erase clears emitted state.
	DumpReport(dumpTimeNs int64, includePartial bool, erase bool) *MetricReport
}

// producerBase carries bucket geometry, skipped-bucket accounting and
// corruption state shared by all producer variants.
type producerBase struct {
	configKey event.ConfigKey
	metricID  int64

	startTimeNs              int64
	currentBucketStartTimeNs int64
	currentBucketNum         int64
	bucketSizeNs             int64

	conditionIndex int
	conditionState condition.State

	splitOnUpgrade  bool
	minBucketSizeNs int64

	// Whether the condition was ever evaluated inside the open bucket.
	conditionSeenInBucket bool

	skipped      []SkippedBucket
	currentDrops []DropEvent

	corruption corruptionState

	stats  *stats.Stats
	logger *zap.Logger
}

func (b *producerBase) MetricID() int64     { return b.metricID }
func (b *producerBase) ConditionIndex() int { return b.conditionIndex }

func (b *producerBase) currentBucketEndTimeNs() int64 {
	return b.startTimeNs + (b.currentBucketNum+1)*b.bucketSizeNs
}

// noteDrop records a drop reason against the open bucket.
func (b *producerBase) noteDrop(reason DropReason, timestampNs int64) {
	b.currentDrops = append(b.currentDrops, DropEvent{Reason: reason, DropTimeNs: timestampNs})
}

// closeSkippedBucket finalizes the open bucket as skipped when drops were
// recorded, or when the bucket was too small to upload.
func (b *producerBase) closeSkippedBucket(endNs int64) {
	if b.minBucketSizeNs > 0 && endNs-b.currentBucketStartTimeNs < b.minBucketSizeNs {
		b.noteDrop(DropBucketTooSmall, endNs)
	}
	if len(b.currentDrops) == 0 {
		return
	}
	b.skipped = append(b.skipped, SkippedBucket{
		BucketStartNs: b.currentBucketStartTimeNs,
		BucketEndNs:   endNs,
		Drops:         b.currentDrops,
	})
	b.currentDrops = nil
}

func (b *producerBase) NoteCorruption(reason CorruptionReason, severity DataCorruptionSeverity) {
	b.corruption.note(reason, severity)
}

// drainReportTail moves skipped buckets and corruption reasons into the
// report and clears what clears on dump.
func (b *producerBase) drainReportTail(r *MetricReport, erase bool) {
	r.SkippedBuckets = append(r.SkippedBuckets, b.skipped...)
	r.DataCorruptedReasons = b.corruption.reasons()
	if erase {
		b.skipped = nil
		b.corruption.clearOnDump()
	}
}

// estimateBytes sums a rough serialized footprint for the report.
func (r *MetricReport) estimateBytes() int {
	n := 16
	for _, d := range r.DurationData {
		n += len(d.Dimension) + len(d.StateKey) + len(d.Buckets)*32
	}
	for _, d := range r.CountData {
		n += len(d.Dimension) + len(d.Buckets)*32
	}
	for _, d := range r.ValueData {
		n += len(d.Dimension) + len(d.Buckets)*48
	}
	for _, d := range r.GaugeData {
		n += len(d.Dimension)
		for _, b := range d.Buckets {
			n += 24 + len(b.Value)
		}
	}
	for _, e := range r.Events {
		n += 12 + len(e.Summary)
	}
	n += len(r.SkippedBuckets) * 24
	return n
}
