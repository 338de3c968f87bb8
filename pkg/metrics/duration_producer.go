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

// DurationMetricProducer turns the start/stop/stop-all hits of its what
// predicate into per-dimension duration trackers and owns their buckets.
type DurationMetricProducer struct {
	producerBase

	cfg config.DurationMetric

	startIndex   int
	stopIndex    int
	stopAllIndex int
	nested       bool

	dimensionsInWhat   []event.Matcher
	internalDimensions []event.Matcher
	conditionDims      []event.Matcher
	conditionID        int64
	conditionSliced    bool

	wizard *condition.Wizard

	stateAtomIDs []int32
	stateKey     event.HashableDimensionKey

	trackers map[string]*trackerEntry

	pastBuckets map[string]*DimensionBuckets

	anomalyTrackers []*anomaly.Tracker
	notifier        anomaly.Notifier
	alarmMonitor    *anomaly.Monitor
}

type trackerEntry struct {
	key     event.MetricDimensionKey
	tracker DurationTracker
}

// DurationProducerParams wires a duration producer.
type DurationProducerParams struct {
	ConfigKey event.ConfigKey
	Metric    config.DurationMetric

	// Matcher-table indices of the what predicate's matchers; -1 when
	// absent.
	StartIndex, StopIndex, StopAllIndex int
	Nested                              bool
	// Internal dimensions come from the what predicate's own slicing.
	InternalDimensions []event.Matcher

	ConditionIndex  int
	ConditionID     int64
	ConditionSliced bool
	// ConditionDims projects the event fields the sliced condition is
	// keyed by.
	ConditionDims []event.Matcher

	Wizard       *condition.Wizard
	StateAtomIDs []int32

	StartTimeNs int64

	AnomalyTrackers []*anomaly.Tracker
	Notifier        anomaly.Notifier
	AlarmMonitor    *anomaly.Monitor

	Stats  *stats.Stats
	Logger *zap.Logger
}

// NewDurationMetricProducer builds the producer with its first bucket
// anchored at StartTimeNs.
func NewDurationMetricProducer(p DurationProducerParams) *DurationMetricProducer {
	m := p.Metric
	prod := &DurationMetricProducer{
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
		cfg:                m,
		startIndex:         p.StartIndex,
		stopIndex:          p.StopIndex,
		stopAllIndex:       p.StopAllIndex,
		nested:             p.Nested,
		dimensionsInWhat:   m.DimensionsInWhat.LeafMatchers(),
		internalDimensions: p.InternalDimensions,
		conditionDims:      p.ConditionDims,
		conditionID:        p.ConditionID,
		conditionSliced:    p.ConditionSliced,
		wizard:             p.Wizard,
		stateAtomIDs:       p.StateAtomIDs,
		trackers:           make(map[string]*trackerEntry),
		pastBuckets:        make(map[string]*DimensionBuckets),
		anomalyTrackers:    p.AnomalyTrackers,
		notifier:           p.Notifier,
		alarmMonitor:       p.AlarmMonitor,
	}
	if p.ConditionIndex < 0 {
		prod.conditionState = condition.True
	}
	return prod
}

func (p *DurationMetricProducer) MatcherIndexes() []int {
	var out []int
	for _, idx := range []int{p.startIndex, p.stopIndex, p.stopAllIndex} {
		if idx >= 0 {
			out = append(out, idx)
		}
	}
	return out
}

func (p *DurationMetricProducer) StateAtomIDs() []int32 { return p.stateAtomIDs }

func (p *DurationMetricProducer) newTracker(key event.MetricDimensionKey) DurationTracker {
	params := TrackerParams{
		ConfigKey:            p.configKey,
		MetricID:             p.metricID,
		EventKey:             key,
		Wizard:               p.wizard,
		ConditionIndex:       p.conditionIndex,
		Nested:               p.nested,
		CurrentBucketStartNs: p.currentBucketStartTimeNs,
		CurrentBucketNum:     p.currentBucketNum,
		StartTimeNs:          p.startTimeNs,
		BucketSizeNs:         p.bucketSizeNs,
		ConditionSliced:      p.conditionSliced,
		FullLink:             !p.conditionSliced || len(p.conditionDims) > 0,
		UploadThresholdNs:    p.cfg.UploadThresholdNanos,
		AnomalyTrackers:      p.anomalyTrackers,
		Notifier:             p.notifier,
		AlarmMonitor:         p.alarmMonitor,
		Stats:                p.stats,
		Logger:               p.logger,
	}
	if p.cfg.AggregationType == config.AggregateMax {
		return NewMaxDurationTracker(params)
	}
	return NewOringDurationTracker(params)
}

// OnMatchedLogEvent routes a start, stop or stop-all hit into the
// dimension's tracker.
func (p *DurationMetricProducer) OnMatchedLogEvent(matcherIndex int, e *event.LogEvent) {
	ts := e.ElapsedTimestampNs
	p.flushIfNeeded(ts)

	if matcherIndex == p.stopAllIndex {
		for _, entry := range p.trackers {
			entry.tracker.NoteStopAll(ts)
		}
		return
	}

	whatKey := event.MetricDimensionKey{
		DimensionKeyInWhat: event.FilterValues(p.dimensionsInWhat, e.Values),
		StateValuesKey:     p.stateKey,
	}
	encoded := whatKey.DimensionKeyInWhat.Key()
	entry, ok := p.trackers[encoded]
	if !ok {
		entry = &trackerEntry{key: whatKey, tracker: p.newTracker(whatKey)}
		p.trackers[encoded] = entry
	}

	internalKey := event.DefaultDimensionKey
	if len(p.internalDimensions) > 0 {
		internalKey = event.FilterValues(p.internalDimensions, e.Values)
	}

	switch matcherIndex {
	case p.startIndex:
		conditionKey := event.ConditionKey{}
		if p.conditionSliced {
			conditionKey[p.conditionID] = event.FilterValues(p.conditionDims, e.Values)
		}
		p.conditionSeenInBucket = true
		entry.tracker.NoteStart(internalKey, p.conditionState == condition.True, ts, conditionKey)
	case p.stopIndex:
		entry.tracker.NoteStop(internalKey, ts, false)
	}
}

func (p *DurationMetricProducer) OnConditionChanged(state condition.State, timestampNs int64) {
	p.flushIfNeeded(timestampNs)
	p.conditionSeenInBucket = true
	if state == p.conditionState {
		return
	}
	p.conditionState = state
	for _, entry := range p.trackers {
		entry.tracker.OnConditionChanged(state == condition.True, timestampNs)
	}
}

func (p *DurationMetricProducer) OnSlicedConditionMayChange(timestampNs int64) {
	p.flushIfNeeded(timestampNs)
	p.conditionSeenInBucket = true
	for _, entry := range p.trackers {
		entry.tracker.OnSlicedConditionMayChange(timestampNs)
	}
}

func (p *DurationMetricProducer) OnStateChanged(timestampNs int64, atomID int32,
	newState event.FieldValue) {
	for _, entry := range p.trackers {
		entry.tracker.OnStateChanged(timestampNs, atomID, newState)
	}
	// New trackers pick the state up through the producer's current key.
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

func (p *DurationMetricProducer) flushIfNeeded(eventTimeNs int64) {
	if eventTimeNs < p.currentBucketEndTimeNs() {
		return
	}
	p.flushCurrentBucket(eventTimeNs, DropReason(""))
}

// flushCurrentBucket closes the open bucket at eventTimeNs; dropReason
// explains a partial split (upgrade, dump) on the skipped marker when the
// bucket turned out empty.
func (p *DurationMetricProducer) flushCurrentBucket(eventTimeNs int64, dropReason DropReason) {
	fullBucketEnd := p.currentBucketEndTimeNs()
	endNs := eventTimeNs
	if eventTimeNs >= fullBucketEnd {
		endNs = fullBucketEnd
	}

	before := 0
	for _, d := range p.pastBuckets {
		before += len(d.Buckets)
	}
	for encoded, entry := range p.trackers {
		if done := entry.tracker.FlushCurrentBucket(eventTimeNs, 0, p.pastBuckets); done {
			delete(p.trackers, encoded)
		}
	}
	produced := -before
	for _, d := range p.pastBuckets {
		produced += len(d.Buckets)
	}

	// An empty bucket is marked skipped with why it stayed empty.
	if produced == 0 {
		if p.conditionIndex >= 0 && !p.conditionSeenInBucket {
			p.noteDrop(DropConditionUnknown, eventTimeNs)
		} else if dropReason != "" {
			p.noteDrop(dropReason, eventTimeNs)
		}
	}
	p.closeSkippedBucket(endNs)

	if eventTimeNs >= fullBucketEnd {
		numForward := 1 + (eventTimeNs-fullBucketEnd)/p.bucketSizeNs
		p.currentBucketStartTimeNs = fullBucketEnd + (numForward-1)*p.bucketSizeNs
		p.currentBucketNum += numForward
	} else {
		p.currentBucketStartTimeNs = eventTimeNs
	}
	p.conditionSeenInBucket = false
}

func (p *DurationMetricProducer) NotifyAppUpgrade(timestampNs int64) {
	if !p.splitOnUpgrade {
		return
	}
	p.flushCurrentBucket(timestampNs, DropUpgrade)
}

func (p *DurationMetricProducer) NotifyBootComplete(timestampNs int64) {
	if !p.splitOnUpgrade {
		return
	}
	p.flushCurrentBucket(timestampNs, DropUpgrade)
}

func (p *DurationMetricProducer) DumpReport(dumpTimeNs int64, includePartial bool,
	erase bool) *MetricReport {
	if includePartial {
		p.flushCurrentBucket(dumpTimeNs, DropDump)
	}

	report := &MetricReport{MetricID: p.metricID, Kind: KindDuration}
	encodedKeys := make([]string, 0, len(p.pastBuckets))
	for k := range p.pastBuckets {
		encodedKeys = append(encodedKeys, k)
	}
	sort.Strings(encodedKeys)
	for _, k := range encodedKeys {
		d := p.pastBuckets[k]
		report.DurationData = append(report.DurationData, KeyedDurationBuckets{
			Dimension: d.Key.DimensionKeyInWhat.String(),
			StateKey:  d.Key.StateValuesKey.Key(),
			Buckets:   d.Buckets,
		})
	}
	p.drainReportTail(report, erase)
	report.EstimatedBytes = report.estimateBytes()

	if erase {
		p.pastBuckets = make(map[string]*DimensionBuckets)
	}
	return report
}
