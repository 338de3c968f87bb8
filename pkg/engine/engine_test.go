package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yairfalse/strata/pkg/condition"
	"github.com/yairfalse/strata/pkg/config"
	"github.com/yairfalse/strata/pkg/event"
	"github.com/yairfalse/strata/pkg/metrics"
)

const (
	screenOnTag  = 29
	screenOffTag = 30
	wakelockTag  = 10
	secNs        = int64(1_000_000_000)
)

func intp(v int64) *int64 { return &v }

// screenConfig counts wakelock acquires while the screen is on.
func screenConfig() *config.Config {
	cond := int64(200)
	return &config.Config{
		ID:  12345,
		UID: 1000,
		AtomMatchers: []config.AtomMatcher{
			{ID: 100, Simple: &config.SimpleAtomMatcher{AtomID: screenOnTag}},
			{ID: 101, Simple: &config.SimpleAtomMatcher{AtomID: screenOffTag}},
			{ID: 102, Simple: &config.SimpleAtomMatcher{AtomID: wakelockTag}},
		},
		Predicates: []config.Predicate{
			{ID: 200, Simple: &config.SimplePredicate{
				Start:        intp(100),
				Stop:         intp(101),
				InitialValue: config.ConditionUnknown,
			}},
		},
		CountMetrics: []config.CountMetric{
			{ID: 300, What: 102, Condition: &cond, BucketSizeMillis: 60_000},
		},
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(Params{QueueCapacity: 64, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	return e
}

func TestInstallRejectsInvalidConfig(t *testing.T) {
	e := newTestEngine(t)
	cfg := screenConfig()
	cfg.CountMetrics[0].What = 999 // dangling
	err := e.InstallConfig(cfg, 0)
	require.Error(t, err)
	var ice *config.InvalidConfigError
	assert.ErrorAs(t, err, &ice)
}

func TestInstallRejectsCycle(t *testing.T) {
	e := newTestEngine(t)
	cfg := &config.Config{
		ID: 1, UID: 1000,
		AtomMatchers: []config.AtomMatcher{
			{ID: 1, Combination: &config.CombinationMatcher{
				Operation: config.OpAnd, Matchers: []int64{2},
			}},
			{ID: 2, Combination: &config.CombinationMatcher{
				Operation: config.OpAnd, Matchers: []int64{1},
			}},
		},
	}
	err := e.InstallConfig(cfg, 0)
	require.Error(t, err)
}

func TestScreenConditionGatesCounting(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.InstallConfig(screenConfig(), 0))
	key := event.ConfigKey{UID: 1000, ID: 12345}

	// Condition unknown: wakelock not counted.
	e.ProcessEvent(event.NewLogEvent(wakelockTag, 10*secNs))

	// Screen on -> condition true; two wakelocks count.
	e.ProcessEvent(event.NewLogEvent(screenOnTag, 20*secNs))
	assert.Equal(t, condition.True, e.QueryCondition(key, 200))
	e.ProcessEvent(event.NewLogEvent(wakelockTag, 25*secNs))
	e.ProcessEvent(event.NewLogEvent(wakelockTag, 30*secNs))

	// Screen off -> condition false; further wakelocks skipped.
	e.ProcessEvent(event.NewLogEvent(screenOffTag, 40*secNs))
	assert.Equal(t, condition.False, e.QueryCondition(key, 200))
	e.ProcessEvent(event.NewLogEvent(wakelockTag, 45*secNs))

	report, err := e.DumpReport(key, 50*secNs, true, true)
	require.NoError(t, err)
	require.Len(t, report.Metrics, 1)
	require.Len(t, report.Metrics[0].CountData, 1)
	require.Len(t, report.Metrics[0].CountData[0].Buckets, 1)
	assert.Equal(t, int64(2), report.Metrics[0].CountData[0].Buckets[0].Count)
	assert.NotEmpty(t, report.ReportID)
	assert.Positive(t, report.EstimatedBytes)

	data, err := report.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), report.ReportID)
}

func TestDispatcherDrainsQueue(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.InstallConfig(screenConfig(), 0))
	key := event.ConfigKey{UID: 1000, ID: 12345}

	ctx := context.Background()
	e.Start(ctx)

	e.Queue().Push(ctx, event.NewLogEvent(screenOnTag, 10*secNs))
	e.Queue().Push(ctx, event.NewLogEvent(wakelockTag, 20*secNs))

	require.Eventually(t, func() bool {
		_, _, popped := e.Queue().Stats()
		return popped == 2
	}, 2*time.Second, 10*time.Millisecond)
	e.Stop()

	report, err := e.DumpReport(key, 30*secNs, true, true)
	require.NoError(t, err)
	require.Len(t, report.Metrics, 1)
	require.Len(t, report.Metrics[0].CountData, 1)
	assert.Equal(t, int64(1), report.Metrics[0].CountData[0].Buckets[0].Count)
}

func TestQueueOverflowSeverity(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.InstallConfig(screenConfig(), 0))
	key := event.ConfigKey{UID: 1000, ID: 12345}

	// Losing the wakelock tag only hurts the what: reset on dump.
	e.NoteQueueOverflow(wakelockTag)
	report, err := e.DumpReport(key, 10*secNs, false, true)
	require.NoError(t, err)
	assert.Equal(t, []metrics.CorruptionReason{metrics.CorruptionQueueOverflow},
		report.Metrics[0].DataCorruptedReasons)

	report, err = e.DumpReport(key, 20*secNs, false, true)
	require.NoError(t, err)
	assert.Empty(t, report.Metrics[0].DataCorruptedReasons)

	// Losing a condition input is unrecoverable: persists across dumps.
	e.NoteQueueOverflow(screenOnTag)
	report, err = e.DumpReport(key, 30*secNs, false, true)
	require.NoError(t, err)
	assert.NotEmpty(t, report.Metrics[0].DataCorruptedReasons)
	report, err = e.DumpReport(key, 40*secNs, false, true)
	require.NoError(t, err)
	assert.NotEmpty(t, report.Metrics[0].DataCorruptedReasons)
}

func TestRemoveConfig(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.InstallConfig(screenConfig(), 0))
	key := event.ConfigKey{UID: 1000, ID: 12345}

	e.RemoveConfig(key)
	_, err := e.DumpReport(key, 10*secNs, false, false)
	assert.Error(t, err)
}

func TestDurationMetricEndToEnd(t *testing.T) {
	e := newTestEngine(t)
	cfg := &config.Config{
		ID: 2, UID: 1000,
		AtomMatchers: []config.AtomMatcher{
			{ID: 100, Simple: &config.SimpleAtomMatcher{AtomID: screenOnTag}},
			{ID: 101, Simple: &config.SimpleAtomMatcher{AtomID: screenOffTag}},
		},
		Predicates: []config.Predicate{
			{ID: 200, Simple: &config.SimplePredicate{
				Start: intp(100),
				Stop:  intp(101),
			}},
		},
		DurationMetrics: []config.DurationMetric{
			{ID: 400, What: 200, BucketSizeMillis: 60_000},
		},
	}
	require.NoError(t, e.InstallConfig(cfg, 0))
	key := event.ConfigKey{UID: 1000, ID: 2}

	e.ProcessEvent(event.NewLogEvent(screenOnTag, 10*secNs))
	e.ProcessEvent(event.NewLogEvent(screenOffTag, 35*secNs))

	report, err := e.DumpReport(key, 50*secNs, true, true)
	require.NoError(t, err)
	require.Len(t, report.Metrics, 1)
	require.Len(t, report.Metrics[0].DurationData, 1)
	require.Len(t, report.Metrics[0].DurationData[0].Buckets, 1)
	assert.Equal(t, 25*secNs, report.Metrics[0].DurationData[0].Buckets[0].DurationNs)
}

func TestAppUpgradeSplitsBuckets(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.InstallConfig(screenConfig(), 0))
	key := event.ConfigKey{UID: 1000, ID: 12345}

	e.ProcessEvent(event.NewLogEvent(screenOnTag, 5*secNs))
	e.ProcessEvent(event.NewLogEvent(wakelockTag, 10*secNs))
	e.NotifyAppUpgrade(20 * secNs)
	e.ProcessEvent(event.NewLogEvent(wakelockTag, 30*secNs))

	report, err := e.DumpReport(key, 40*secNs, true, true)
	require.NoError(t, err)
	require.Len(t, report.Metrics[0].CountData, 1)
	buckets := report.Metrics[0].CountData[0].Buckets
	require.Len(t, buckets, 2)
	assert.Equal(t, int64(1), buckets[0].Count)
	assert.Equal(t, 20*secNs, buckets[0].BucketEndNs)
	assert.Equal(t, int64(1), buckets[1].Count)
}

func TestStateSlicedCountMetric(t *testing.T) {
	e := newTestEngine(t)
	stateID := int64(500)
	cfg := &config.Config{
		ID: 3, UID: 1000,
		AtomMatchers: []config.AtomMatcher{
			{ID: 100, Simple: &config.SimpleAtomMatcher{AtomID: wakelockTag}},
		},
		States: []config.State{
			{ID: stateID, AtomID: 60},
		},
		CountMetrics: []config.CountMetric{
			{ID: 300, What: 100, BucketSizeMillis: 60_000, SliceByState: []int64{stateID}},
		},
	}
	require.NoError(t, e.InstallConfig(cfg, 0))
	key := event.ConfigKey{UID: 1000, ID: 3}

	stateEvent := func(ts int64, value int32) *event.LogEvent {
		ev := event.NewLogEvent(60, ts)
		ev.AppendValue(event.FieldValue{
			Field: event.NewField(60, []uint32{1, 0, 0}, 0),
			Value: event.IntValue(value),
		})
		return ev
	}

	e.ProcessEvent(event.NewLogEvent(wakelockTag, 5*secNs))
	e.ProcessEvent(stateEvent(10*secNs, 2))
	e.ProcessEvent(event.NewLogEvent(wakelockTag, 15*secNs))

	report, err := e.DumpReport(key, 20*secNs, true, true)
	require.NoError(t, err)
	assert.Len(t, report.Metrics[0].CountData, 2)
}
