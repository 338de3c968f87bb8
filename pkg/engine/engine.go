package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/yairfalse/strata/pkg/anomaly"
	"github.com/yairfalse/strata/pkg/condition"
	"github.com/yairfalse/strata/pkg/config"
	"github.com/yairfalse/strata/pkg/event"
	"github.com/yairfalse/strata/pkg/matcher"
	"github.com/yairfalse/strata/pkg/metrics"
	"github.com/yairfalse/strata/pkg/queue"
	"github.com/yairfalse/strata/pkg/stats"
	"github.com/yairfalse/strata/pkg/uidmap"
)

// Engine owns the dispatcher: a single consumer goroutine drains the
// event queue and drives matchers, conditions and producers in order.
// Config installs and report dumps run on the control path, serialized
// with dispatch at event boundaries.
type Engine struct {
	mu sync.Mutex

	queue    *queue.Queue
	uids     *uidmap.Map
	stats    *stats.Stats
	notifier anomaly.Notifier

	alarmMonitor *anomaly.Monitor

	configs map[event.ConfigKey]*compiledConfig

	startMillis int64

	logger *zap.Logger

	eventsProcessed metric.Int64Counter
	processingTime  metric.Float64Histogram

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Params wires an engine.
type Params struct {
	QueueCapacity int
	UIDs          *uidmap.Map
	Stats         *stats.Stats
	Notifier      anomaly.Notifier
	Logger        *zap.Logger
}

// New creates an engine with an empty config table.
func New(p Params) (*Engine, error) {
	if p.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if p.QueueCapacity <= 0 {
		p.QueueCapacity = 4096
	}
	if p.Stats == nil {
		p.Stats = stats.New(p.Logger)
	}
	if p.UIDs == nil {
		p.UIDs = uidmap.New(p.Logger)
	}

	q, err := queue.New(p.QueueCapacity, p.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create event queue: %w", err)
	}

	meter := otel.Meter("strata.engine")
	processed, err := meter.Int64Counter("strata_engine_events_processed_total",
		metric.WithDescription("Events fully processed by the dispatcher"))
	if err != nil {
		return nil, fmt.Errorf("failed to create processed counter: %w", err)
	}
	processingTime, err := meter.Float64Histogram("strata_engine_processing_seconds",
		metric.WithDescription("Per-event pipeline latency"))
	if err != nil {
		return nil, fmt.Errorf("failed to create processing histogram: %w", err)
	}

	return &Engine{
		queue:           q,
		uids:            p.UIDs,
		stats:           p.Stats,
		notifier:        p.Notifier,
		alarmMonitor:    anomaly.NewMonitor(p.Logger),
		configs:         make(map[event.ConfigKey]*compiledConfig),
		startMillis:     time.Now().UnixMilli(),
		logger:          p.Logger,
		eventsProcessed: processed,
		processingTime:  processingTime,
	}, nil
}

// Queue exposes the ingestion side for transport readers.
func (e *Engine) Queue() *queue.Queue { return e.queue }

// UIDMap exposes the uid map for package-manager updates.
func (e *Engine) UIDMap() *uidmap.Map { return e.uids }

// AlarmMonitor exposes the wall-clock alarm set.
func (e *Engine) AlarmMonitor() *anomaly.Monitor { return e.alarmMonitor }

// InstallConfig compiles and activates a configuration, replacing any
// existing one under the same key. Invalid configs are rejected whole.
func (e *Engine) InstallConfig(cfg *config.Config, nowNs int64) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	compiled, err := compile(cfg, buildParams{
		uids:         e.uids,
		stats:        e.stats,
		notifier:     e.notifier,
		alarmMonitor: e.alarmMonitor,
		startMillis:  e.startMillis,
		nowNs:        nowNs,
		nowMillis:    nowNs / int64(time.Millisecond),
		logger:       e.logger,
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if old, ok := e.configs[cfg.Key()]; ok {
		e.teardownLocked(old)
	}
	e.configs[cfg.Key()] = compiled
	e.logger.Info("config installed",
		zap.String("config", cfg.Key().String()),
		zap.Int("matchers", len(compiled.matchers.Trackers)),
		zap.Int("conditions", len(compiled.conditions.Trackers)),
		zap.Int("producers", len(compiled.producers)))
	return nil
}

// RemoveConfig tears a configuration down. In-flight processing is
// aborted at the next event boundary.
func (e *Engine) RemoveConfig(key event.ConfigKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cc, ok := e.configs[key]; ok {
		e.teardownLocked(cc)
		delete(e.configs, key)
		e.logger.Info("config removed", zap.String("config", key.String()))
	}
}

func (e *Engine) teardownLocked(cc *compiledConfig) {
	for _, at := range cc.alarmTrackers {
		at.Close()
	}
}

// Start launches the dispatcher goroutine.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(ctx)
	}()
}

// Stop cancels the dispatcher and waits for it to drain.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) run(ctx context.Context) {
	e.logger.Info("dispatcher started")
	for {
		ev := e.queue.WaitPop(ctx)
		if ev == nil {
			e.logger.Info("dispatcher stopped")
			return
		}
		start := time.Now()
		e.ProcessEvent(ev)
		e.eventsProcessed.Add(ctx, 1, metric.WithAttributes(
			attribute.Int64("tag", int64(ev.Tag))))
		e.processingTime.Record(ctx, time.Since(start).Seconds())
	}
}

// ProcessEvent runs one event through every installed configuration in
// matcher -> condition -> producer order. All side effects of an event
// are visible before the next event starts.
func (e *Engine) ProcessEvent(ev *event.LogEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cc := range e.configs {
		e.processForConfig(cc, ev)
	}
}

func (e *Engine) processForConfig(cc *compiledConfig, ev *event.LogEvent) {
	_, relevant := cc.matchers.RelevantTags[ev.Tag]
	_, isState := cc.statesByAtom[ev.Tag]
	if !relevant && !isState {
		return
	}

	cc.matchers.OnLogEvent(ev, cc.results)
	cc.conditions.OnLogEvent(ev, cc.results.States, cc.conditionCache, cc.conditionChanged)

	// Condition changes reach gated producers before the event itself.
	for condIdx, producers := range cc.producersByCondition {
		if !cc.conditionChanged[condIdx] {
			continue
		}
		sliced := cc.conditions.Trackers[condIdx].Sliced()
		for _, prod := range producers {
			if sliced {
				prod.OnSlicedConditionMayChange(ev.ElapsedTimestampNs)
			} else {
				prod.OnConditionChanged(cc.conditionCache[condIdx], ev.ElapsedTimestampNs)
			}
		}
	}

	// State atoms update sliced producers.
	if routing, ok := cc.statesByAtom[ev.Tag]; ok {
		if fv, ok := stateValue(routing.def, ev); ok {
			for _, prod := range routing.producers {
				prod.OnStateChanged(ev.ElapsedTimestampNs, ev.Tag, fv)
			}
		}
	}

	// Matched events reach their producers, transformed where a string
	// transformation fired.
	for idx, producers := range cc.producersByMatcher {
		if cc.results.States[idx] != matcher.Matched {
			continue
		}
		dispatched := ev
		if transformed := cc.results.Transformed[idx]; transformed != nil {
			dispatched = transformed
		}
		for _, prod := range producers {
			prod.OnMatchedLogEvent(idx, dispatched)
		}
	}
}

// stateValue extracts the state atom's value field, mapping through the
// configured value groups.
func stateValue(def *stateDef, ev *event.LogEvent) (event.FieldValue, bool) {
	target := event.SimpleField(def.valueField)
	for _, fv := range ev.Values {
		if fv.Field.Word != target {
			continue
		}
		out := fv
		if def.groups != nil {
			raw := int64(fv.Value.Int)
			if fv.Value.Type == event.TypeLong {
				raw = fv.Value.Long
			}
			if group, ok := def.groups[raw]; ok {
				out.Value = event.LongValue(group)
			}
		}
		return out, true
	}
	return event.FieldValue{}, false
}

// NoteQueueOverflow records a dropped event against every producer whose
// inputs the tag feeds: unrecoverable when the tag is a condition or
// state input, reset-on-dump when it only feeds metric whats.
func (e *Engine) NoteQueueOverflow(tag int32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cc := range e.configs {
		severity := metrics.CorruptionNone
		if _, ok := cc.conditionTags[tag]; ok {
			severity = metrics.CorruptionUnrecoverable
		} else if _, ok := cc.whatTags[tag]; ok {
			severity = metrics.CorruptionResetOnDump
		}
		if severity == metrics.CorruptionNone {
			continue
		}
		for _, prod := range cc.producers {
			prod.NoteCorruption(metrics.CorruptionQueueOverflow, severity)
		}
	}
}

// NoteSocketLoss records a transport-side loss, same severity rules as
// queue overflow.
func (e *Engine) NoteSocketLoss(tag int32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cc := range e.configs {
		severity := metrics.CorruptionNone
		if _, ok := cc.conditionTags[tag]; ok {
			severity = metrics.CorruptionUnrecoverable
		} else if _, ok := cc.whatTags[tag]; ok {
			severity = metrics.CorruptionResetOnDump
		}
		if severity == metrics.CorruptionNone {
			continue
		}
		for _, prod := range cc.producers {
			prod.NoteCorruption(metrics.CorruptionSocketLoss, severity)
		}
	}
}

// NotifyAppUpgrade splits the current bucket of producers configured to
// split; others extend across the upgrade.
func (e *Engine) NotifyAppUpgrade(timestampNs int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cc := range e.configs {
		for _, prod := range cc.producers {
			prod.NotifyAppUpgrade(timestampNs)
		}
	}
}

// NotifyBootComplete is the second trigger of the same split mechanism.
func (e *Engine) NotifyBootComplete(timestampNs int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cc := range e.configs {
		for _, prod := range cc.producers {
			prod.NotifyBootComplete(timestampNs)
		}
	}
}

// OnAlarmsFired services the wall-clock alarm monitor: every alarm due
// at wallNowSec fires its tracker.
func (e *Engine) OnAlarmsFired(wallNowSec int64, timestampNs int64) {
	fired := e.alarmMonitor.PopSoonerThan(wallNowSec)
	if len(fired) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cc := range e.configs {
		for _, at := range cc.alarmTrackers {
			at.InformAlarmsFired(timestampNs, fired, e.notifier)
		}
	}
}

// QueryCondition answers a condition's current state for diagnostics.
func (e *Engine) QueryCondition(key event.ConfigKey, predicateID int64) condition.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	cc, ok := e.configs[key]
	if !ok {
		return condition.Unknown
	}
	idx, ok := cc.conditions.IDToIdx[predicateID]
	if !ok {
		return condition.Unknown
	}
	return cc.conditions.Wizard.Query(idx, nil, false)
}
