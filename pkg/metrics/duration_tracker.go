package metrics

import (
	"go.uber.org/zap"

	"github.com/yairfalse/strata/pkg/anomaly"
	"github.com/yairfalse/strata/pkg/condition"
	"github.com/yairfalse/strata/pkg/event"
	"github.com/yairfalse/strata/pkg/stats"
)

// DurationTracker accumulates intervals for one what-dimension, sliced by
// the metric's state.
type DurationTracker interface {
	NoteStart(key event.HashableDimensionKey, conditionMet bool, eventTimeNs int64,
		conditionKey event.ConditionKey)
	NoteStop(key event.HashableDimensionKey, eventTimeNs int64, stopAll bool)
	NoteStopAll(eventTimeNs int64)

	OnConditionChanged(conditionMet bool, timestampNs int64)
	OnSlicedConditionMayChange(timestampNs int64)
	OnStateChanged(timestampNs int64, atomID int32, newState event.FieldValue)

	// FlushIfNeeded rolls the bucket forward when eventTimeNs crossed the
	// boundary; FlushCurrentBucket closes the bucket unconditionally
	// (partial buckets). Both report whether the tracker is drained and
	// safe to drop.
	FlushIfNeeded(eventTimeNs int64, output map[string]*DimensionBuckets) bool
	FlushCurrentBucket(eventTimeNs int64, globalConditionTrueNs int64,
		output map[string]*DimensionBuckets) bool

	HasAccumulatedDuration() bool
	PredictAnomalyTimestampNs(tracker *anomaly.Tracker, eventTimestampNs int64) int64
}

// DimensionBuckets collects the finalized buckets of one metric
// dimension key.
type DimensionBuckets struct {
	Key     event.MetricDimensionKey
	Buckets []DurationBucket
}

// appendBucket adds a bucket under the given key.
func appendBucket(output map[string]*DimensionBuckets, key event.MetricDimensionKey, b DurationBucket) {
	encoded := key.Key()
	entry, ok := output[encoded]
	if !ok {
		entry = &DimensionBuckets{Key: key}
		output[encoded] = entry
	}
	entry.Buckets = append(entry.Buckets, b)
}

// stateDuration is the per-state-key accumulation inside the current
// bucket.
type stateDuration struct {
	key event.HashableDimensionKey
	// durationNs accrues inside the current (possibly partial) bucket;
	// fullBucketNs carries the whole full bucket for anomaly detection.
	durationNs   int64
	fullBucketNs int64
}

// durationBase carries what the OR'd and MAX variants share: identity,
// bucket geometry, condition wiring, state-key partitioned accrual and
// the anomaly hand-off.
type durationBase struct {
	configKey event.ConfigKey
	metricID  int64
	eventKey  event.MetricDimensionKey

	wizard         *condition.Wizard
	conditionIndex int
	nested         bool

	currentBucketStartTimeNs int64
	currentBucketNum         int64
	startTimeNs              int64
	bucketSizeNs             int64

	conditionSliced bool
	fullLink        bool

	uploadThresholdNs *int64

	anomalyTrackers []*anomaly.Tracker
	notifier        anomaly.Notifier
	alarmMonitor    *anomaly.Monitor
	armedAlarms     map[*anomaly.Tracker]*anomaly.InternalAlarm

	stateKeyDurations map[string]*stateDuration

	hasHitGuardrail bool
	stats           *stats.Stats
	logger          *zap.Logger
}

// TrackerParams bundles the construction arguments shared by both
// variants.
type TrackerParams struct {
	ConfigKey event.ConfigKey
	MetricID  int64
	EventKey  event.MetricDimensionKey

	Wizard         *condition.Wizard
	ConditionIndex int
	Nested         bool

	CurrentBucketStartNs int64
	CurrentBucketNum     int64
	StartTimeNs          int64
	BucketSizeNs         int64

	ConditionSliced bool
	FullLink        bool

	UploadThresholdNs *int64

	AnomalyTrackers []*anomaly.Tracker
	Notifier        anomaly.Notifier
	AlarmMonitor    *anomaly.Monitor

	Stats  *stats.Stats
	Logger *zap.Logger
}

func newDurationBase(p TrackerParams) durationBase {
	return durationBase{
		configKey:                p.ConfigKey,
		metricID:                 p.MetricID,
		eventKey:                 p.EventKey,
		wizard:                   p.Wizard,
		conditionIndex:           p.ConditionIndex,
		nested:                   p.Nested,
		currentBucketStartTimeNs: p.CurrentBucketStartNs,
		currentBucketNum:         p.CurrentBucketNum,
		startTimeNs:              p.StartTimeNs,
		bucketSizeNs:             p.BucketSizeNs,
		conditionSliced:          p.ConditionSliced,
		fullLink:                 p.FullLink,
		uploadThresholdNs:        p.UploadThresholdNs,
		anomalyTrackers:          p.AnomalyTrackers,
		notifier:                 p.Notifier,
		alarmMonitor:             p.AlarmMonitor,
		armedAlarms:              make(map[*anomaly.Tracker]*anomaly.InternalAlarm),
		stateKeyDurations:        make(map[string]*stateDuration),
		stats:                    p.Stats,
		logger:                   p.Logger,
	}
}

// currentBucketEndTimeNs is anchored on the metric's original start, so
// partial buckets do not shift later boundaries.
func (b *durationBase) currentBucketEndTimeNs() int64 {
	return b.startTimeNs + (b.currentBucketNum+1)*b.bucketSizeNs
}

func (b *durationBase) currentStateDuration() *stateDuration {
	encoded := b.eventKey.StateValuesKey.Key()
	sd, ok := b.stateKeyDurations[encoded]
	if !ok {
		sd = &stateDuration{key: b.eventKey.StateValuesKey}
		b.stateKeyDurations[encoded] = sd
	}
	return sd
}

func (b *durationBase) currentStateKeyDuration() int64 {
	if sd, ok := b.stateKeyDurations[b.eventKey.StateValuesKey.Key()]; ok {
		return sd.durationNs
	}
	return 0
}

func (b *durationBase) currentStateKeyFullBucketDuration() int64 {
	if sd, ok := b.stateKeyDurations[b.eventKey.StateValuesKey.Key()]; ok {
		return sd.fullBucketNs
	}
	return 0
}

// updateCurrentStateKey swaps the state value for atomID inside the
// tracked state key.
func (b *durationBase) updateCurrentStateKey(atomID int32, newState event.FieldValue) {
	values := make([]event.FieldValue, 0, len(b.eventKey.StateValuesKey.Values)+1)
	replaced := false
	for _, fv := range b.eventKey.StateValuesKey.Values {
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
	b.eventKey.StateValuesKey = event.HashableDimensionKey{Values: values}
}

func (b *durationBase) detectAndDeclareAnomaly(timestampNs, bucketNum, totalDuration int64) {
	for _, tr := range b.anomalyTrackers {
		tr.DetectAndDeclareAnomaly(timestampNs, bucketNum, b.metricID, b.eventKey,
			totalDuration, b.notifier)
	}
}

func (b *durationBase) addPastBucketToAnomalyTrackers(key event.MetricDimensionKey,
	value int64, bucketNum int64) {
	for _, tr := range b.anomalyTrackers {
		tr.AddPastBucket(key, value, bucketNum)
	}
}

func (b *durationBase) passesUploadThreshold(durationNs int64) bool {
	if b.uploadThresholdNs == nil {
		return durationNs > 0
	}
	return durationNs > *b.uploadThresholdNs
}

// hitGuardrail applies the dimension caps for a new inner key.
func (b *durationBase) hitGuardrail(known bool, currentCount int) bool {
	if known || b.stats == nil {
		return false
	}
	if currentCount >= b.stats.DimensionSoftLimit {
		newCount := currentCount + 1
		b.stats.NoteMetricDimensionSize(b.configKey, b.metricID, newCount)
		if newCount > b.stats.DimensionHardLimit {
			if !b.hasHitGuardrail {
				b.logger.Error("duration tracker dropping data past dimension hard limit",
					zap.Int64("metric_id", b.metricID))
				b.hasHitGuardrail = true
			}
			b.stats.NoteHardDimensionLimitReached(b.metricID)
			return true
		}
	}
	return false
}

// startAnomalyAlarm arms one alarm per anomaly tracker at the predicted
// crossing instant.
func (b *durationBase) startAnomalyAlarm(timestampNs int64, predict func(*anomaly.Tracker, int64) int64) {
	if b.alarmMonitor == nil {
		return
	}
	for _, tr := range b.anomalyTrackers {
		if tr.Threshold() <= 0 {
			continue
		}
		predictedNs := predict(tr, timestampNs)
		if predictedNs <= 0 {
			continue
		}
		alarm := &anomaly.InternalAlarm{TimestampSec: (predictedNs + anomaly.NsPerSec - 1) / anomaly.NsPerSec}
		b.armedAlarms[tr] = alarm
		b.alarmMonitor.Add(alarm)
	}
}

// stopAnomalyAlarm disarms all armed alarms.
func (b *durationBase) stopAnomalyAlarm(timestampNs int64) {
	if b.alarmMonitor == nil {
		return
	}
	for tr, alarm := range b.armedAlarms {
		b.alarmMonitor.Remove(alarm)
		delete(b.armedAlarms, tr)
	}
}
