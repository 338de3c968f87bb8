package anomaly

import (
	"container/heap"
	"math/rand"
	"sync"

	"go.uber.org/zap"

	"github.com/yairfalse/strata/pkg/config"
	"github.com/yairfalse/strata/pkg/event"
)

const msPerSec = int64(1000)

// InternalAlarm is one scheduled firing instant, in seconds.
type InternalAlarm struct {
	TimestampSec int64
	heapIndex    int
}

// alarmHeap is a min-heap ordered by firing instant.
type alarmHeap []*InternalAlarm

func (h alarmHeap) Len() int           { return len(h) }
func (h alarmHeap) Less(i, j int) bool { return h[i].TimestampSec < h[j].TimestampSec }
func (h alarmHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i]; h[i].heapIndex = i; h[j].heapIndex = j }
func (h *alarmHeap) Push(x any)        { a := x.(*InternalAlarm); a.heapIndex = len(*h); *h = append(*h, a) }
func (h *alarmHeap) Pop() any {
	old := *h
	n := len(old)
	a := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return a
}

// Monitor owns the pending alarm set for one clock domain and hands back
// the alarms due at a given instant.
type Monitor struct {
	mu     sync.Mutex
	alarms alarmHeap
	logger *zap.Logger
}

// NewMonitor creates an empty alarm monitor.
func NewMonitor(logger *zap.Logger) *Monitor {
	m := &Monitor{logger: logger}
	heap.Init(&m.alarms)
	return m
}

// Add schedules an alarm.
func (m *Monitor) Add(a *InternalAlarm) {
	m.mu.Lock()
	defer m.mu.Unlock()
	heap.Push(&m.alarms, a)
}

// Remove cancels a scheduled alarm.
func (m *Monitor) Remove(a *InternalAlarm) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.heapIndex >= 0 && a.heapIndex < len(m.alarms) && m.alarms[a.heapIndex] == a {
		heap.Remove(&m.alarms, a.heapIndex)
	}
}

// NextAlarmSec returns the soonest scheduled instant, or 0 when idle.
func (m *Monitor) NextAlarmSec() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.alarms) == 0 {
		return 0
	}
	return m.alarms[0].TimestampSec
}

// PopSoonerThan removes and returns every alarm due at or before
// timestampSec.
func (m *Monitor) PopSoonerThan(timestampSec int64) map[*InternalAlarm]struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	fired := make(map[*InternalAlarm]struct{})
	for len(m.alarms) > 0 && m.alarms[0].TimestampSec <= timestampSec {
		fired[heap.Pop(&m.alarms).(*InternalAlarm)] = struct{}{}
	}
	return fired
}

// AlarmTracker fires a periodic wall-clock alarm, probabilistically
// notifying subscribers and rescheduling past the firing timestamp.
type AlarmTracker struct {
	cfg       config.Alarm
	configKey event.ConfigKey
	monitor   *Monitor

	alarmSec      int64
	internalAlarm *InternalAlarm

	subscriptions []config.Subscription
	randFloat     func() float64
	logger        *zap.Logger
}

// NewAlarmTracker computes the first firing instant at or after
// currentMillis and schedules it.
func NewAlarmTracker(startMillis, currentMillis int64, cfg config.Alarm,
	configKey event.ConfigKey, monitor *Monitor, logger *zap.Logger) *AlarmTracker {
	t := &AlarmTracker{
		cfg:       cfg,
		configKey: configKey,
		monitor:   monitor,
		randFloat: rand.Float64,
		logger:    logger,
	}
	t.alarmSec = (startMillis + cfg.OffsetMillis) / msPerSec
	t.alarmSec = t.findNextAlarmSec((currentMillis - 1) / msPerSec)
	t.internalAlarm = &InternalAlarm{TimestampSec: t.alarmSec}
	if monitor != nil {
		monitor.Add(t.internalAlarm)
	}
	logger.Debug("periodic alarm scheduled",
		zap.Int64("alarm_id", cfg.ID),
		zap.Int64("alarm_sec", t.alarmSec))
	return t
}

// AddSubscription registers a subscription bound to this alarm.
func (t *AlarmTracker) AddSubscription(s config.Subscription) {
	t.subscriptions = append(t.subscriptions, s)
}

// AlarmSec returns the next scheduled firing instant.
func (t *AlarmTracker) AlarmSec() int64 { return t.alarmSec }

// findNextAlarmSec returns the scheduled alarm while it is still after
// currentTimeSec, otherwise the first period boundary strictly after
// currentTimeSec.
func (t *AlarmTracker) findNextAlarmSec(currentTimeSec int64) int64 {
	if currentTimeSec < t.alarmSec {
		return t.alarmSec
	}
	periodsForward := ((currentTimeSec-t.alarmSec)*msPerSec)/t.cfg.PeriodMillis + 1
	return t.alarmSec + periodsForward*t.cfg.PeriodMillis/msPerSec
}

// InformAlarmsFired consumes this tracker's alarm from the fired set,
// notifies subscribers per the informing probability, and reschedules to
// the next boundary strictly after the firing timestamp.
func (t *AlarmTracker) InformAlarmsFired(timestampNs int64,
	fired map[*InternalAlarm]struct{}, notifier Notifier) {
	if len(fired) == 0 || t.internalAlarm == nil {
		return
	}
	if _, ok := fired[t.internalAlarm]; !ok {
		return
	}

	if len(t.subscriptions) > 0 &&
		(t.cfg.ProbabilityOfInforming >= 1 || t.randFloat() < t.cfg.ProbabilityOfInforming) {
		t.logger.Info("periodic alarm fired, informing subscribers",
			zap.Int64("alarm_id", t.cfg.ID))
		informSubscribers(notifier, t.configKey, t.cfg.ID, event.DefaultMetricDimensionKey,
			0, t.subscriptions, t.randFloat, t.logger)
	}

	delete(fired, t.internalAlarm)
	// Round the firing timestamp up to a whole second before stepping.
	t.alarmSec = t.findNextAlarmSec((timestampNs-1)/NsPerSec + 1)
	t.internalAlarm = &InternalAlarm{TimestampSec: t.alarmSec}
	if t.monitor != nil {
		t.monitor.Add(t.internalAlarm)
	}
}

// Close removes any pending alarm from the monitor.
func (t *AlarmTracker) Close() {
	if t.internalAlarm != nil && t.monitor != nil {
		t.monitor.Remove(t.internalAlarm)
	}
}

// SetRandSource overrides the probability source; tests pin outcomes.
func (t *AlarmTracker) SetRandSource(f func() float64) {
	t.randFloat = f
}
