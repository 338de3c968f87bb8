package metrics

import (
	"go.uber.org/zap"

	"github.com/yairfalse/strata/pkg/anomaly"
	"github.com/yairfalse/strata/pkg/condition"
	"github.com/yairfalse/strata/pkg/event"
)

// OringDurationTracker records the union of overlapping intervals: only
// the spans during which at least one dimension is started count, so
// overlaps are never double counted.
type OringDurationTracker struct {
	durationBase

	// Started and paused nesting counters per inner dimension. A key is
	// paused when it started under a false condition.
	started map[string]*dimCount
	paused  map[string]*dimCount

	lastStartTime int64

	conditionKeys map[string]event.ConditionKey
}

type dimCount struct {
	key   event.HashableDimensionKey
	count int
}

// NewOringDurationTracker builds the OR'd variant.
func NewOringDurationTracker(p TrackerParams) *OringDurationTracker {
	return &OringDurationTracker{
		durationBase:  newDurationBase(p),
		started:       make(map[string]*dimCount),
		paused:        make(map[string]*dimCount),
		conditionKeys: make(map[string]event.ConditionKey),
	}
}

func (t *OringDurationTracker) NoteStart(key event.HashableDimensionKey, conditionMet bool,
	eventTimeNs int64, conditionKey event.ConditionKey) {
	encoded := key.Key()
	_, known := t.conditionKeys[encoded]
	if !known {
		_, known = t.started[encoded]
	}
	if !known {
		_, known = t.paused[encoded]
	}
	if t.hitGuardrail(known, len(t.conditionKeys)) {
		return
	}

	if conditionMet {
		if len(t.started) == 0 {
			t.lastStartTime = eventTimeNs
			t.startAnomalyAlarm(eventTimeNs, t.PredictAnomalyTimestampNs)
		}
		t.bump(t.started, encoded, key)
	} else {
		t.bump(t.paused, encoded, key)
	}

	if t.conditionSliced {
		if _, ok := t.conditionKeys[encoded]; !ok {
			t.conditionKeys[encoded] = conditionKey
		}
	}
	t.logger.Debug("oring start",
		zap.String("key", key.String()),
		zap.Bool("condition", conditionMet))
}

func (t *OringDurationTracker) bump(m map[string]*dimCount, encoded string, key event.HashableDimensionKey) {
	c, ok := m[encoded]
	if !ok {
		c = &dimCount{key: key}
		m[encoded] = c
	}
	c.count++
}

func (t *OringDurationTracker) NoteStop(key event.HashableDimensionKey, eventTimeNs int64,
	stopAll bool) {
	encoded := key.Key()
	if c, ok := t.started[encoded]; ok {
		c.count--
		if stopAll || !t.nested || c.count <= 0 {
			delete(t.started, encoded)
			delete(t.conditionKeys, encoded)
		}
		if len(t.started) == 0 {
			sd := t.currentStateDuration()
			sd.durationNs += eventTimeNs - t.lastStartTime
			t.detectAndDeclareAnomaly(eventTimeNs, t.currentBucketNum,
				t.currentStateKeyDuration()+t.currentStateKeyFullBucketDuration())
		}
	}

	if c, ok := t.paused[encoded]; ok {
		c.count--
		if stopAll || !t.nested || c.count <= 0 {
			delete(t.paused, encoded)
			delete(t.conditionKeys, encoded)
		}
	}
	if len(t.started) == 0 {
		t.stopAnomalyAlarm(eventTimeNs)
	}
}

func (t *OringDurationTracker) NoteStopAll(eventTimeNs int64) {
	if len(t.started) > 0 {
		sd := t.currentStateDuration()
		sd.durationNs += eventTimeNs - t.lastStartTime
		t.detectAndDeclareAnomaly(eventTimeNs, t.currentBucketNum,
			t.currentStateKeyDuration()+t.currentStateKeyFullBucketDuration())
	}
	t.stopAnomalyAlarm(eventTimeNs)
	t.started = make(map[string]*dimCount)
	t.paused = make(map[string]*dimCount)
	t.conditionKeys = make(map[string]event.ConditionKey)
}

func (t *OringDurationTracker) OnConditionChanged(conditionMet bool, timestampNs int64) {
	if conditionMet {
		if len(t.paused) > 0 {
			if len(t.started) == 0 {
				t.lastStartTime = timestampNs
				t.startAnomalyAlarm(timestampNs, t.PredictAnomalyTimestampNs)
			}
			for encoded, c := range t.paused {
				t.merge(t.started, encoded, c)
			}
			t.paused = make(map[string]*dimCount)
		}
	} else {
		if len(t.started) > 0 {
			sd := t.currentStateDuration()
			sd.durationNs += timestampNs - t.lastStartTime
			for encoded, c := range t.started {
				t.merge(t.paused, encoded, c)
			}
			t.started = make(map[string]*dimCount)
			t.detectAndDeclareAnomaly(timestampNs, t.currentBucketNum,
				t.currentStateKeyDuration()+t.currentStateKeyFullBucketDuration())
		}
	}
	if len(t.started) == 0 {
		t.stopAnomalyAlarm(timestampNs)
	}
}

func (t *OringDurationTracker) merge(m map[string]*dimCount, encoded string, c *dimCount) {
	if existing, ok := m[encoded]; ok {
		existing.count += c.count
	} else {
		m[encoded] = c
	}
}

// OnSlicedConditionMayChange re-queries the condition per dimension and
// moves keys between started and paused.
func (t *OringDurationTracker) OnSlicedConditionMayChange(timestampNs int64) {
	startedToPaused := make(map[string]*dimCount)
	pausedToStarted := make(map[string]*dimCount)

	for encoded, c := range t.started {
		condKey, ok := t.conditionKeys[encoded]
		if !ok {
			t.logger.Debug("started key has no condition key", zap.String("key", c.key.String()))
			continue
		}
		state := t.wizard.Query(t.conditionIndex, condKey, !t.fullLink)
		if state != condition.True {
			startedToPaused[encoded] = c
			delete(t.started, encoded)
		}
	}
	if len(t.started) == 0 && len(startedToPaused) > 0 {
		sd := t.currentStateDuration()
		sd.durationNs += timestampNs - t.lastStartTime
		t.detectAndDeclareAnomaly(timestampNs, t.currentBucketNum,
			t.currentStateKeyDuration()+t.currentStateKeyFullBucketDuration())
	}

	for encoded, c := range t.paused {
		condKey, ok := t.conditionKeys[encoded]
		if !ok {
			continue
		}
		state := t.wizard.Query(t.conditionIndex, condKey, !t.fullLink)
		if state == condition.True {
			pausedToStarted[encoded] = c
			delete(t.paused, encoded)
		}
	}
	if len(t.started) == 0 && len(pausedToStarted) > 0 {
		t.lastStartTime = timestampNs
		t.startAnomalyAlarm(timestampNs, t.PredictAnomalyTimestampNs)
	}

	for encoded, c := range pausedToStarted {
		t.merge(t.started, encoded, c)
	}
	for encoded, c := range startedToPaused {
		t.merge(t.paused, encoded, c)
	}
	if len(t.started) == 0 {
		t.stopAnomalyAlarm(timestampNs)
	}
}

func (t *OringDurationTracker) OnStateChanged(timestampNs int64, atomID int32,
	newState event.FieldValue) {
	// With nothing started only the current state key moves.
	if len(t.started) == 0 {
		t.updateCurrentStateKey(atomID, newState)
		return
	}
	// Accrue to the old state key, then switch.
	sd := t.currentStateDuration()
	sd.durationNs += timestampNs - t.lastStartTime
	t.lastStartTime = timestampNs
	t.updateCurrentStateKey(atomID, newState)
}

func (t *OringDurationTracker) HasAccumulatedDuration() bool {
	return len(t.started) > 0 || len(t.paused) > 0 || len(t.stateKeyDurations) > 0
}

func (t *OringDurationTracker) FlushIfNeeded(eventTimeNs int64,
	output map[string]*DimensionBuckets) bool {
	if eventTimeNs < t.currentBucketEndTimeNs() {
		return false
	}
	return t.FlushCurrentBucket(eventTimeNs, 0, output)
}

// FlushCurrentBucket closes the current bucket at eventTimeNs. Crossing
// whole boundaries emits full buckets (and bucketSize-duration filler
// buckets while dimensions stay started); an eventTimeNs before the
// boundary forms a partial bucket.
func (t *OringDurationTracker) FlushCurrentBucket(eventTimeNs int64,
	globalConditionTrueNs int64, output map[string]*DimensionBuckets) bool {
	numBucketsForward := int64(0)
	fullBucketEnd := t.currentBucketEndTimeNs()
	currentBucketEndTimeNs := eventTimeNs

	isFullBucket := eventTimeNs >= fullBucketEnd
	if isFullBucket {
		numBucketsForward = 1 + (eventTimeNs-fullBucketEnd)/t.bucketSizeNs
		currentBucketEndTimeNs = fullBucketEnd
	}

	if len(t.started) > 0 {
		sd := t.currentStateDuration()
		sd.durationNs += currentBucketEndTimeNs - t.lastStartTime
	}

	// One DurationBucket per state key that passes the threshold.
	for _, sd := range t.stateKeyDurations {
		sd.fullBucketNs += sd.durationNs
		if t.passesUploadThreshold(sd.durationNs) {
			appendBucket(output, t.eventKey.WithStateKey(sd.key), DurationBucket{
				BucketStartNs:   t.currentBucketStartTimeNs,
				BucketEndNs:     currentBucketEndTimeNs,
				DurationNs:      sd.durationNs,
				ConditionTrueNs: globalConditionTrueNs,
			})
		}
		if isFullBucket {
			t.addPastBucketToAnomalyTrackers(t.eventKey.WithStateKey(sd.key),
				sd.fullBucketNs, t.currentBucketNum)
		}
		sd.durationNs = 0
	}
	// Full-bucket carry is only needed by anomaly trackers.
	if isFullBucket || len(t.anomalyTrackers) == 0 {
		t.stateKeyDurations = make(map[string]*stateDuration)
	}

	if len(t.started) > 0 {
		for i := int64(1); i < numBucketsForward; i++ {
			filler := DurationBucket{
				BucketStartNs: fullBucketEnd + t.bucketSizeNs*(i-1),
				BucketEndNs:   fullBucketEnd + t.bucketSizeNs*i,
				DurationNs:    t.bucketSizeNs,
			}
			appendBucket(output, t.eventKey, filler)
			t.addPastBucketToAnomalyTrackers(t.eventKey, filler.DurationNs,
				t.currentBucketNum+i)
		}
	} else if numBucketsForward >= 2 {
		t.addPastBucketToAnomalyTrackers(t.eventKey, 0,
			t.currentBucketNum+numBucketsForward-1)
	}

	if numBucketsForward > 0 {
		t.currentBucketStartTimeNs = fullBucketEnd + (numBucketsForward-1)*t.bucketSizeNs
		t.currentBucketNum += numBucketsForward
	} else {
		// Forming a partial bucket.
		t.currentBucketStartTimeNs = eventTimeNs
	}
	t.lastStartTime = t.currentBucketStartTimeNs
	t.hasHitGuardrail = false

	// Safe to drop the tracker once everything stopped; keep it through
	// partial buckets while anomaly trackers need the full-bucket carry.
	return len(t.started) == 0 && len(t.paused) == 0 &&
		(isFullBucket || len(t.anomalyTrackers) == 0)
}

// PredictAnomalyTimestampNs computes the earliest future instant at which
// the anomaly tracker's window sum could exceed its threshold, given that
// the duration keeps accumulating from eventTimestampNs.
func (t *OringDurationTracker) PredictAnomalyTimestampNs(tracker *anomaly.Tracker,
	eventTimestampNs int64) int64 {
	thresholdNs := tracker.Threshold()
	currentBucketEndNs := t.currentBucketEndTimeNs()

	currentStateBucketPastNs := t.currentStateKeyDuration() + t.currentStateKeyFullBucketDuration()
	pastNs := currentStateBucketPastNs + tracker.SumOverPastBuckets(t.eventKey)
	refractoryEndNs := tracker.RefractoryPeriodEndsSec(t.eventKey) * anomaly.NsPerSec

	candidate := eventTimestampNs + thresholdNs - pastNs
	if refractoryEndNs > candidate {
		candidate = refractoryEndNs
	}
	if candidate <= currentBucketEndNs {
		if candidate < eventTimestampNs {
			return eventTimestampNs
		}
		return candidate
	}

	if tracker.NumPastBuckets() > 0 {
		pastNs -= tracker.PastBucketValue(t.eventKey,
			t.currentBucketNum-int64(tracker.NumPastBuckets()))
		pastNs += currentBucketEndNs - eventTimestampNs
	} else {
		pastNs = 0
	}

	// Walk future buckets until the crossing instant falls inside one.
	for idx := int64(1); idx <= int64(tracker.NumPastBuckets())+1; idx++ {
		bucketEndNs := currentBucketEndNs + idx*t.bucketSizeNs
		candidate = bucketEndNs - t.bucketSizeNs + thresholdNs - pastNs
		if refractoryEndNs > candidate {
			candidate = refractoryEndNs
		}
		if candidate <= bucketEndNs {
			if candidate < bucketEndNs-t.bucketSizeNs {
				return bucketEndNs - t.bucketSizeNs
			}
			return candidate
		}
		// Roll the window one bucket further.
		pastNs -= tracker.PastBucketValue(t.eventKey,
			t.currentBucketNum+idx-int64(tracker.NumPastBuckets()))
		pastNs += t.bucketSizeNs
	}
	return 0
}
