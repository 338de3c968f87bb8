// Package anomaly watches metric buckets for threshold crossings over a
// sliding window of past buckets, declares anomalies with refractory
// suppression, and services periodic wall-clock alarms.
package anomaly

import (
	"math/rand"
	"sync"

	"go.uber.org/zap"

	"github.com/yairfalse/strata/pkg/config"
	"github.com/yairfalse/strata/pkg/event"
	"github.com/yairfalse/strata/pkg/stats"
)

const NsPerSec = int64(1_000_000_000)

// Notifier delivers subscriber broadcasts. Delivery is best-effort,
// at-most-once.
type Notifier interface {
	SendBroadcast(configKey event.ConfigKey, subscriptionID int64, ruleID int64,
		subscriberID string, dimension event.MetricDimensionKey, metricValue int64) error
}

// dimEntry keeps the decoded key beside its bucket value so reports and
// broadcasts can carry the original dimensions.
type dimEntry struct {
	key   event.MetricDimensionKey
	value int64
}

type dimToValMap map[string]dimEntry

// Tracker implements sliding-window anomaly detection for one alert: a
// ring of numBuckets-1 past-bucket maps, an incrementally maintained
// sum-over-past-buckets, and per-key refractory periods.
type Tracker struct {
	mu sync.Mutex

	alert     config.Alert
	configKey event.ConfigKey

	numPastBuckets int
	pastBuckets    []dimToValMap
	sumOverPast    dimToValMap

	mostRecentBucketNum int64

	// Key -> wall-adjacent second at which suppression ends.
	refractoryEndsSec map[string]refractoryEntry

	subscriptions []config.Subscription

	// randFloat is the source for probability-of-informing rolls;
	// injectable for tests.
	randFloat func() float64

	stats  *stats.Stats
	logger *zap.Logger

	// OnAnomalyEvent, when set, receives the well-known anomaly-detected
	// event for process-level accounting.
	OnAnomalyEvent func(timestampNs int64, configKey event.ConfigKey, alertID int64)
}

type refractoryEntry struct {
	key     event.MetricDimensionKey
	endsSec int64
}

// NewTracker builds a tracker for an alert.
func NewTracker(alert config.Alert, configKey event.ConfigKey, st *stats.Stats,
	logger *zap.Logger) *Tracker {
	t := &Tracker{
		alert:               alert,
		configKey:           configKey,
		numPastBuckets:      alert.NumBuckets - 1,
		refractoryEndsSec:   make(map[string]refractoryEntry),
		mostRecentBucketNum: -1,
		randFloat:           rand.Float64,
		stats:               st,
		logger:              logger,
	}
	t.resetStorageLocked()
	return t
}

// AlertID returns the alert's id.
func (t *Tracker) AlertID() int64 { return t.alert.ID }

// Threshold returns the alert's trigger threshold.
func (t *Tracker) Threshold() int64 { return t.alert.TriggerIfSumGt }

// NumPastBuckets returns the retained window size (excluding the current
// bucket).
func (t *Tracker) NumPastBuckets() int { return t.numPastBuckets }

// AddSubscription registers a subscription bound to this alert.
func (t *Tracker) AddSubscription(s config.Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscriptions = append(t.subscriptions, s)
}

func (t *Tracker) resetStorageLocked() {
	t.pastBuckets = make([]dimToValMap, t.numPastBuckets)
	t.sumOverPast = make(dimToValMap)
}

func (t *Tracker) index(bucketNum int64) int {
	return int(bucketNum % int64(t.numPastBuckets))
}

// AdvanceMostRecentBucketTo scrolls the window forward, subtracting the
// buckets that fall off from the running sum. Jumping past the whole
// window resets storage.
func (t *Tracker) AdvanceMostRecentBucketTo(bucketNum int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.advanceLocked(bucketNum)
}

func (t *Tracker) advanceLocked(bucketNum int64) {
	if t.numPastBuckets <= 0 {
		return
	}
	if bucketNum <= t.mostRecentBucketNum {
		t.logger.Warn("cannot advance buckets backwards",
			zap.Int64("bucket_num", bucketNum),
			zap.Int64("most_recent", t.mostRecentBucketNum))
		return
	}
	if bucketNum >= t.mostRecentBucketNum+int64(t.numPastBuckets) {
		t.resetStorageLocked()
		t.mostRecentBucketNum = bucketNum
		return
	}
	for i := t.mostRecentBucketNum + 1; i <= bucketNum; i++ {
		idx := t.index(i)
		t.subtractBucketFromSumLocked(t.pastBuckets[idx])
		t.pastBuckets[idx] = nil
	}
	t.mostRecentBucketNum = bucketNum
}

// AddPastBucket records one key's finalized value for a bucket,
// maintaining the incremental sum invariant.
func (t *Tracker) AddPastBucket(key event.MetricDimensionKey, value int64, bucketNum int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.numPastBuckets == 0 || bucketNum < 0 ||
		bucketNum <= t.mostRecentBucketNum-int64(t.numPastBuckets) {
		return
	}

	idx := t.index(bucketNum)
	if bucketNum <= t.mostRecentBucketNum && t.pastBuckets[idx] != nil {
		bucket := t.pastBuckets[idx]
		encoded := key.Key()
		if old, ok := bucket[encoded]; ok {
			t.subtractValueFromSumLocked(encoded, old.value)
		}
		bucket[encoded] = dimEntry{key: key, value: value}
		t.addValueToSumLocked(key, value)
		return
	}

	bucket := dimToValMap{key.Key(): {key: key, value: value}}
	t.addPastBucketMapLocked(bucket, bucketNum)
}

// AddPastBucketMap replaces the stored bucket for bucketNum wholesale.
func (t *Tracker) AddPastBucketMap(bucket map[event.MetricDimensionKey]int64, bucketNum int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.numPastBuckets == 0 || bucketNum < 0 ||
		bucketNum <= t.mostRecentBucketNum-int64(t.numPastBuckets) {
		return
	}
	m := make(dimToValMap, len(bucket))
	for k, v := range bucket {
		m[k.Key()] = dimEntry{key: k, value: v}
	}
	t.addPastBucketMapLocked(m, bucketNum)
}

func (t *Tracker) addPastBucketMapLocked(bucket dimToValMap, bucketNum int64) {
	if bucketNum <= t.mostRecentBucketNum {
		t.subtractBucketFromSumLocked(t.pastBuckets[t.index(bucketNum)])
	} else {
		t.advanceLocked(bucketNum)
	}
	t.pastBuckets[t.index(bucketNum)] = bucket
	for _, e := range bucket {
		t.addValueToSumLocked(e.key, e.value)
	}
}

func (t *Tracker) subtractBucketFromSumLocked(bucket dimToValMap) {
	for encoded, e := range bucket {
		t.subtractValueFromSumLocked(encoded, e.value)
	}
}

func (t *Tracker) subtractValueFromSumLocked(encoded string, value int64) {
	e, ok := t.sumOverPast[encoded]
	if !ok {
		return
	}
	e.value -= value
	if e.value == 0 {
		delete(t.sumOverPast, encoded)
	} else {
		t.sumOverPast[encoded] = e
	}
}

func (t *Tracker) addValueToSumLocked(key event.MetricDimensionKey, value int64) {
	encoded := key.Key()
	e, ok := t.sumOverPast[encoded]
	if !ok {
		e = dimEntry{key: key}
	}
	e.value += value
	t.sumOverPast[encoded] = e
}

// SumOverPastBuckets returns the retained-window sum for a key.
func (t *Tracker) SumOverPastBuckets(key event.MetricDimensionKey) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sumOverPast[key.Key()].value
}

// PastBucketValue returns one key's stored value for a bucket still in
// the window.
func (t *Tracker) PastBucketValue(key event.MetricDimensionKey, bucketNum int64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if bucketNum < 0 || t.mostRecentBucketNum < 0 ||
		bucketNum <= t.mostRecentBucketNum-int64(t.numPastBuckets) ||
		bucketNum > t.mostRecentBucketNum {
		return 0
	}
	bucket := t.pastBuckets[t.index(bucketNum)]
	if bucket == nil {
		return 0
	}
	return bucket[key.Key()].value
}

// DetectAnomaly reports whether the key's window sum plus the current
// bucket value crosses the threshold, advancing the window first so the
// current bucket is the one right after the retained past.
func (t *Tracker) DetectAnomaly(currentBucketNum int64, key event.MetricDimensionKey,
	currentBucketValue int64) bool {
	t.mu.Lock()
	if currentBucketNum > t.mostRecentBucketNum+1 {
		t.advanceLocked(currentBucketNum - 1)
	}
	sum := t.sumOverPast[key.Key()].value
	t.mu.Unlock()
	return sum+currentBucketValue > t.alert.TriggerIfSumGt
}

// DeclareAnomaly fires the anomaly for a key: refractory suppression,
// probabilistic subscriber dispatch, refractory arming and statistics.
func (t *Tracker) DeclareAnomaly(timestampNs int64, metricID int64, key event.MetricDimensionKey,
	metricValue int64, notifier Notifier) {
	if t.IsInRefractoryPeriod(timestampNs, key) {
		t.logger.Debug("skipping anomaly declaration inside refractory period",
			zap.Int64("alert_id", t.alert.ID))
		return
	}

	if t.OnAnomalyEvent != nil {
		t.OnAnomalyEvent(timestampNs, t.configKey, t.alert.ID)
	}

	// Probabilities outside [0,1] mean always/never; float edges are not
	// normalized, config writers use -0.1 and 1.1.
	if t.alert.ProbabilityOfInforming < 1 && t.randFloat() >= t.alert.ProbabilityOfInforming {
		t.logger.Info("anomaly detected but fate decided against informing subscribers",
			zap.Int64("alert_id", t.alert.ID))
		return
	}

	if t.alert.RefractoryPeriodSecs > 0 {
		endsSec := (timestampNs+NsPerSec-1)/NsPerSec + t.alert.RefractoryPeriodSecs
		t.mu.Lock()
		t.refractoryEndsSec[key.Key()] = refractoryEntry{key: key, endsSec: endsSec}
		t.mu.Unlock()
	}

	t.mu.Lock()
	subs := make([]config.Subscription, len(t.subscriptions))
	copy(subs, t.subscriptions)
	t.mu.Unlock()

	if len(subs) > 0 && notifier != nil {
		t.logger.Info("anomaly declared, informing subscribers",
			zap.Int64("alert_id", t.alert.ID),
			zap.String("dimension", key.String()))
		informSubscribers(notifier, t.configKey, t.alert.ID, key, metricValue, subs,
			t.randFloat, t.logger)
	} else {
		t.logger.Info("anomaly declared with no subscribers",
			zap.Int64("alert_id", t.alert.ID))
	}

	if t.stats != nil {
		t.stats.NoteAnomalyDeclared(t.configKey, t.alert.ID)
	}
}

// DetectAndDeclareAnomaly runs detection and, on a hit, declaration.
func (t *Tracker) DetectAndDeclareAnomaly(timestampNs, currentBucketNum, metricID int64,
	key event.MetricDimensionKey, currentBucketValue int64, notifier Notifier) {
	if t.DetectAnomaly(currentBucketNum, key, currentBucketValue) {
		t.DeclareAnomaly(timestampNs, metricID, key, currentBucketValue, notifier)
	}
}

// IsInRefractoryPeriod reports whether the key is still suppressed at
// timestampNs.
func (t *Tracker) IsInRefractoryPeriod(timestampNs int64, key event.MetricDimensionKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.refractoryEndsSec[key.Key()]; ok {
		return timestampNs < e.endsSec*NsPerSec
	}
	return false
}

// RefractoryPeriodEndsSec returns the suppression end for a key, or 0.
func (t *Tracker) RefractoryPeriodEndsSec(key event.MetricDimensionKey) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refractoryEndsSec[key.Key()].endsSec
}

// informSubscribers rolls each subscription's own probability and sends
// the broadcast; failures are logged, never propagated.
func informSubscribers(notifier Notifier, configKey event.ConfigKey, ruleID int64,
	key event.MetricDimensionKey, metricValue int64, subs []config.Subscription,
	randFloat func() float64, logger *zap.Logger) {
	for _, s := range subs {
		if s.RuleID != ruleID {
			continue
		}
		// An unset probability means always; negatives mean never, same
		// float-edge convention as the alert's own probability.
		p := s.Probability
		if p == 0 {
			p = 1
		}
		if p < 1 && randFloat() >= p {
			continue
		}
		if err := notifier.SendBroadcast(configKey, s.ID, ruleID, s.SubscriberID, key,
			metricValue); err != nil {
			logger.Warn("subscriber broadcast failed",
				zap.Int64("subscription_id", s.ID),
				zap.Error(err))
		}
	}
}

// RefractorySnapshot is the persisted form of one key's suppression end,
// translated to wall-clock seconds so it survives restarts.
type RefractorySnapshot struct {
	Key         event.MetricDimensionKey
	EndsWallSec int64
}

// SaveRefractoryPeriods translates unexpired suppression ends to wall
// clock for persistence.
func (t *Tracker) SaveRefractoryPeriods(currentWallNs, elapsedNs int64) []RefractorySnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []RefractorySnapshot
	for _, e := range t.refractoryEndsSec {
		if e.endsSec < elapsedNs/NsPerSec {
			continue
		}
		out = append(out, RefractorySnapshot{
			Key:         e.key,
			EndsWallSec: currentWallNs/NsPerSec + (e.endsSec - elapsedNs/NsPerSec),
		})
	}
	return out
}

// LoadRefractoryPeriods restores persisted suppression ends, translating
// wall clock back to the current monotonic clock.
func (t *Tracker) LoadRefractoryPeriods(snapshots []RefractorySnapshot, currentWallNs, elapsedNs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range snapshots {
		if s.EndsWallSec < currentWallNs/NsPerSec {
			continue
		}
		endsSec := s.EndsWallSec - currentWallNs/NsPerSec + elapsedNs/NsPerSec
		t.refractoryEndsSec[s.Key.Key()] = refractoryEntry{key: s.Key, endsSec: endsSec}
	}
}

// SetRandSource overrides the probability source; tests pin outcomes.
func (t *Tracker) SetRandSource(f func() float64) {
	t.randFloat = f
}

// checkSumInvariant verifies sumOverPast equals the columnwise sum of
// pastBuckets; test hook.
func (t *Tracker) checkSumInvariant() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	expect := make(map[string]int64)
	for _, bucket := range t.pastBuckets {
		for encoded, e := range bucket {
			expect[encoded] += e.value
		}
	}
	for encoded, want := range expect {
		if want == 0 {
			continue
		}
		if t.sumOverPast[encoded].value != want {
			return false
		}
	}
	for encoded, e := range t.sumOverPast {
		if expect[encoded] != e.value {
			return false
		}
	}
	return true
}
