package metrics

import (
	"github.com/yairfalse/strata/pkg/anomaly"
	"github.com/yairfalse/strata/pkg/condition"
	"github.com/yairfalse/strata/pkg/event"
)

type durationState int8

const (
	durationStarted durationState = iota
	durationPaused
	durationStopped
)

// maxInfo is one inner dimension's interval record.
type maxInfo struct {
	key          event.HashableDimensionKey
	state        durationState
	startCount   int
	lastStartNs  int64
	lastDuration int64
	conditionKey event.ConditionKey
}

// MaxDurationTracker tracks each inner dimension's own interval and
// reports, per bucket, the maximum duration among the intervals
// finalized in that bucket. An interval crossing bucket boundaries lands
// whole in the bucket where it stops.
type MaxDurationTracker struct {
	durationBase

	infos map[string]*maxInfo

	// Current recorded maximum for the open bucket.
	duration int64
}

// NewMaxDurationTracker builds the MAX variant.
func NewMaxDurationTracker(p TrackerParams) *MaxDurationTracker {
	return &MaxDurationTracker{
		durationBase: newDurationBase(p),
		infos:        make(map[string]*maxInfo),
	}
}

func (t *MaxDurationTracker) NoteStart(key event.HashableDimensionKey, conditionMet bool,
	eventTimeNs int64, conditionKey event.ConditionKey) {
	encoded := key.Key()
	_, known := t.infos[encoded]
	if t.hitGuardrail(known, len(t.infos)) {
		return
	}

	info, ok := t.infos[encoded]
	if !ok {
		info = &maxInfo{key: key, state: durationPaused}
		t.infos[encoded] = info
		if t.conditionSliced {
			info.conditionKey = conditionKey
		}
	}
	info.startCount++
	if conditionMet {
		if info.state != durationStarted {
			info.state = durationStarted
			info.lastStartNs = eventTimeNs
		}
	} else if info.state != durationStarted {
		info.state = durationPaused
	}
}

func (t *MaxDurationTracker) NoteStop(key event.HashableDimensionKey, eventTimeNs int64,
	stopAll bool) {
	encoded := key.Key()
	info, ok := t.infos[encoded]
	if !ok {
		return
	}
	info.startCount--
	if !stopAll && t.nested && info.startCount > 0 {
		return
	}

	if info.state == durationStarted {
		info.lastDuration += eventTimeNs - info.lastStartNs
	}
	// The interval is finalized; its whole length competes for the max.
	if info.lastDuration > t.duration {
		t.duration = info.lastDuration
	}
	t.detectAndDeclareAnomaly(eventTimeNs, t.currentBucketNum, t.duration)
	delete(t.infos, encoded)
}

func (t *MaxDurationTracker) NoteStopAll(eventTimeNs int64) {
	for _, info := range t.infos {
		if info.state == durationStarted {
			info.lastDuration += eventTimeNs - info.lastStartNs
		}
		if info.lastDuration > t.duration {
			t.duration = info.lastDuration
		}
	}
	t.detectAndDeclareAnomaly(eventTimeNs, t.currentBucketNum, t.duration)
	t.infos = make(map[string]*maxInfo)
	t.stopAnomalyAlarm(eventTimeNs)
}

func (t *MaxDurationTracker) OnConditionChanged(conditionMet bool, timestampNs int64) {
	for _, info := range t.infos {
		t.noteConditionChanged(info, conditionMet, timestampNs)
	}
}

func (t *MaxDurationTracker) OnSlicedConditionMayChange(timestampNs int64) {
	for _, info := range t.infos {
		if info.conditionKey == nil {
			continue
		}
		state := t.wizard.Query(t.conditionIndex, info.conditionKey, !t.fullLink)
		t.noteConditionChanged(info, state == condition.True, timestampNs)
	}
}

func (t *MaxDurationTracker) noteConditionChanged(info *maxInfo, conditionMet bool,
	timestampNs int64) {
	switch info.state {
	case durationStarted:
		if !conditionMet {
			info.state = durationPaused
			info.lastDuration += timestampNs - info.lastStartNs
		}
	case durationPaused:
		if conditionMet {
			info.state = durationStarted
			info.lastStartNs = timestampNs
		}
	}
}

// OnStateChanged is a no-op for MAX aggregation: intervals land whole in
// the stop bucket under the state key current at creation.
func (t *MaxDurationTracker) OnStateChanged(int64, int32, event.FieldValue) {}

func (t *MaxDurationTracker) HasAccumulatedDuration() bool {
	return len(t.infos) > 0 || t.duration > 0
}

func (t *MaxDurationTracker) FlushIfNeeded(eventTimeNs int64,
	output map[string]*DimensionBuckets) bool {
	if eventTimeNs < t.currentBucketEndTimeNs() {
		return false
	}
	return t.FlushCurrentBucket(eventTimeNs, 0, output)
}

func (t *MaxDurationTracker) FlushCurrentBucket(eventTimeNs int64, globalConditionTrueNs int64,
	output map[string]*DimensionBuckets) bool {
	numBucketsForward := int64(0)
	fullBucketEnd := t.currentBucketEndTimeNs()
	currentBucketEndTimeNs := eventTimeNs

	isFullBucket := eventTimeNs >= fullBucketEnd
	if isFullBucket {
		numBucketsForward = 1 + (eventTimeNs-fullBucketEnd)/t.bucketSizeNs
		currentBucketEndTimeNs = fullBucketEnd
	}

	if t.passesUploadThreshold(t.duration) {
		appendBucket(output, t.eventKey, DurationBucket{
			BucketStartNs:   t.currentBucketStartTimeNs,
			BucketEndNs:     currentBucketEndTimeNs,
			DurationNs:      t.duration,
			ConditionTrueNs: globalConditionTrueNs,
		})
		if isFullBucket {
			t.addPastBucketToAnomalyTrackers(t.eventKey, t.duration, t.currentBucketNum)
		}
	}
	t.duration = 0

	// Running intervals survive boundaries; their accumulated time keeps
	// growing until they stop.
	if numBucketsForward > 0 {
		t.currentBucketStartTimeNs = fullBucketEnd + (numBucketsForward-1)*t.bucketSizeNs
		t.currentBucketNum += numBucketsForward
	} else {
		t.currentBucketStartTimeNs = eventTimeNs
	}
	t.hasHitGuardrail = false

	return len(t.infos) == 0 && t.duration == 0
}

// PredictAnomalyTimestampNs: a MAX tracker crosses the threshold when the
// longest running interval does.
func (t *MaxDurationTracker) PredictAnomalyTimestampNs(tracker *anomaly.Tracker,
	eventTimestampNs int64) int64 {
	thresholdNs := tracker.Threshold()
	earliest := int64(0)
	for _, info := range t.infos {
		if info.state != durationStarted {
			continue
		}
		candidate := info.lastStartNs + thresholdNs - info.lastDuration
		if earliest == 0 || candidate < earliest {
			earliest = candidate
		}
	}
	if earliest != 0 && earliest < eventTimestampNs {
		earliest = eventTimestampNs
	}
	return earliest
}
