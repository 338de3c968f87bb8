// Package engine wires the pipeline together: it compiles configurations
// into matcher, condition and producer tables, drains the event queue on
// a single dispatcher, and produces reports on demand.
package engine

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/yairfalse/strata/pkg/anomaly"
	"github.com/yairfalse/strata/pkg/condition"
	"github.com/yairfalse/strata/pkg/config"
	"github.com/yairfalse/strata/pkg/event"
	"github.com/yairfalse/strata/pkg/matcher"
	"github.com/yairfalse/strata/pkg/metrics"
	"github.com/yairfalse/strata/pkg/stats"
	"github.com/yairfalse/strata/pkg/uidmap"
)

// stateDef is one compiled state definition.
type stateDef struct {
	cfg        config.State
	valueField uint32
	groups     map[int64]int64
}

// compiledConfig is the runtime form of one installed configuration:
// arenas of trackers referenced by index, plus the routing tables.
type compiledConfig struct {
	cfg *config.Config
	key event.ConfigKey

	matchers   *matcher.Table
	conditions *condition.Table
	producers  []metrics.Producer

	results          *matcher.Results
	conditionCache   []condition.State
	conditionChanged []bool

	// matcher-table index -> producers listening to it.
	producersByMatcher map[int][]metrics.Producer
	// condition-table index -> producers gated by it.
	producersByCondition map[int][]metrics.Producer
	// state atom id -> (state def, producers sliced by it).
	statesByAtom map[int32]*stateRouting

	anomalyTrackers map[int64][]*anomaly.Tracker
	alarmTrackers   []*anomaly.AlarmTracker

	// Tags feeding conditions or states: losing one is unrecoverable.
	conditionTags map[int32]struct{}
	// Tags feeding metric whats only: losses reset on dump.
	whatTags map[int32]struct{}
}

type stateRouting struct {
	def       *stateDef
	producers []metrics.Producer
}

// buildParams carries the shared collaborators into compilation.
type buildParams struct {
	uids         *uidmap.Map
	stats        *stats.Stats
	notifier     anomaly.Notifier
	alarmMonitor *anomaly.Monitor
	startMillis  int64
	nowNs        int64
	nowMillis    int64
	logger       *zap.Logger
}

// compile turns a validated config into its runtime tables. Any failure
// rejects the whole config with no partial activation.
func compile(cfg *config.Config, p buildParams) (*compiledConfig, error) {
	matchers, err := matcher.BuildTable(cfg, p.uids, p.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to compile matchers: %w", err)
	}
	conditions, err := condition.BuildTable(cfg, matchers, p.stats, p.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to compile conditions: %w", err)
	}

	cc := &compiledConfig{
		cfg:                  cfg,
		key:                  cfg.Key(),
		matchers:             matchers,
		conditions:           conditions,
		results:              matcher.NewResults(len(matchers.Trackers)),
		producersByMatcher:   make(map[int][]metrics.Producer),
		producersByCondition: make(map[int][]metrics.Producer),
		statesByAtom:         make(map[int32]*stateRouting),
		anomalyTrackers:      make(map[int64][]*anomaly.Tracker),
		conditionTags:        make(map[int32]struct{}),
		whatTags:             make(map[int32]struct{}),
	}
	cc.conditionCache, cc.conditionChanged = conditions.NewCaches()

	states := make(map[int64]*stateDef, len(cfg.States))
	for i := range cfg.States {
		s := &cfg.States[i]
		def := &stateDef{cfg: *s, valueField: s.ValueField}
		if def.valueField == 0 {
			def.valueField = 1
		}
		if len(s.Groups) > 0 {
			def.groups = make(map[int64]int64)
			for _, g := range s.Groups {
				for _, v := range g.Values {
					def.groups[v] = g.GroupID
				}
			}
		}
		states[s.ID] = def
		cc.statesByAtom[s.AtomID] = &stateRouting{def: def}
		cc.conditionTags[s.AtomID] = struct{}{}
	}

	// Anomaly trackers are created per alert, keyed by the watched
	// metric.
	for i := range cfg.Alerts {
		alert := cfg.Alerts[i]
		if _, err := cfg.AlertHash(&alert); err != nil {
			return nil, err
		}
		tr := anomaly.NewTracker(alert, cfg.Key(), p.stats, p.logger)
		cc.anomalyTrackers[alert.MetricID] = append(cc.anomalyTrackers[alert.MetricID], tr)
	}
	for i := range cfg.Alarms {
		cc.alarmTrackers = append(cc.alarmTrackers, anomaly.NewAlarmTracker(
			p.startMillis, p.nowMillis, cfg.Alarms[i], cfg.Key(), p.alarmMonitor, p.logger))
	}
	for _, sub := range cfg.Subscriptions {
		for _, trackers := range cc.anomalyTrackers {
			for _, tr := range trackers {
				if tr.AlertID() == sub.RuleID {
					tr.AddSubscription(sub)
				}
			}
		}
		for _, at := range cc.alarmTrackers {
			at.AddSubscription(sub)
		}
	}

	// Tags reachable from each matcher index, for corruption severity.
	tagsOf := collectMatcherTags(cfg, matchers)

	markConditionMatchers := func(sp *config.SimplePredicate) {
		for _, ref := range []*int64{sp.Start, sp.Stop, sp.StopAll} {
			if ref == nil {
				continue
			}
			for tag := range tagsOf[matchers.IDToIdx[*ref]] {
				cc.conditionTags[tag] = struct{}{}
			}
		}
	}
	for i := range cfg.Predicates {
		if sp := cfg.Predicates[i].Simple; sp != nil {
			markConditionMatchers(sp)
		}
	}

	stateAtomsFor := func(ids []int64) []int32 {
		var out []int32
		for _, id := range ids {
			if def, ok := states[id]; ok {
				out = append(out, def.cfg.AtomID)
			}
		}
		return out
	}

	registerProducer := func(prod metrics.Producer) {
		cc.producers = append(cc.producers, prod)
		for _, idx := range prod.MatcherIndexes() {
			cc.producersByMatcher[idx] = append(cc.producersByMatcher[idx], prod)
		}
		if ci := prod.ConditionIndex(); ci >= 0 {
			cc.producersByCondition[ci] = append(cc.producersByCondition[ci], prod)
		}
		for _, atomID := range prod.StateAtomIDs() {
			if routing, ok := cc.statesByAtom[atomID]; ok {
				routing.producers = append(routing.producers, prod)
			}
		}
	}

	conditionIdx := func(ref *int64) int {
		if ref == nil {
			return -1
		}
		return cc.conditions.IDToIdx[*ref]
	}

	for i := range cfg.CountMetrics {
		m := cfg.CountMetrics[i]
		whatIdx := matchers.IDToIdx[m.What]
		for tag := range tagsOf[whatIdx] {
			cc.whatTags[tag] = struct{}{}
		}
		registerProducer(metrics.NewCountMetricProducer(metrics.CountProducerParams{
			ConfigKey:       cfg.Key(),
			Metric:          m,
			WhatIndex:       whatIdx,
			ConditionIndex:  conditionIdx(m.Condition),
			StateAtomIDs:    stateAtomsFor(m.SliceByState),
			StartTimeNs:     p.nowNs,
			AnomalyTrackers: cc.anomalyTrackers[m.ID],
			Notifier:        p.notifier,
			Stats:           p.stats,
			Logger:          p.logger,
		}))
	}

	for i := range cfg.DurationMetrics {
		m := cfg.DurationMetrics[i]
		what := &cfg.Predicates[cc.conditions.IDToIdx[m.What]]
		sp := what.Simple

		resolve := func(ref *int64) int {
			if ref == nil {
				return -1
			}
			idx := matchers.IDToIdx[*ref]
			for tag := range tagsOf[idx] {
				cc.whatTags[tag] = struct{}{}
			}
			return idx
		}

		var internalDims []event.Matcher
		if sp.Dimensions != nil {
			internalDims = sp.Dimensions.LeafMatchers()
		}

		condIdx := conditionIdx(m.Condition)
		condSliced := false
		var condDims []event.Matcher
		var condID int64
		if m.Condition != nil {
			condID = *m.Condition
			condTracker := cc.conditions.Trackers[condIdx]
			condSliced = condTracker.Sliced()
			if simple, ok := condTracker.(*condition.SimpleTracker); ok {
				condDims = simple.OutputDimensions()
			}
		}

		registerProducer(metrics.NewDurationMetricProducer(metrics.DurationProducerParams{
			ConfigKey:          cfg.Key(),
			Metric:             m,
			StartIndex:         resolve(sp.Start),
			StopIndex:          resolve(sp.Stop),
			StopAllIndex:       resolve(sp.StopAll),
			Nested:             sp.Nesting(),
			InternalDimensions: internalDims,
			ConditionIndex:     condIdx,
			ConditionID:        condID,
			ConditionSliced:    condSliced,
			ConditionDims:      condDims,
			Wizard:             cc.conditions.Wizard,
			StateAtomIDs:       stateAtomsFor(m.SliceByState),
			StartTimeNs:        p.nowNs,
			AnomalyTrackers:    cc.anomalyTrackers[m.ID],
			Notifier:           p.notifier,
			AlarmMonitor:       p.alarmMonitor,
			Stats:              p.stats,
			Logger:             p.logger,
		}))
	}

	for i := range cfg.ValueMetrics {
		m := cfg.ValueMetrics[i]
		whatIdx := matchers.IDToIdx[m.What]
		for tag := range tagsOf[whatIdx] {
			cc.whatTags[tag] = struct{}{}
		}
		registerProducer(metrics.NewValueMetricProducer(metrics.ValueProducerParams{
			ConfigKey:       cfg.Key(),
			Metric:          m,
			WhatIndex:       whatIdx,
			ConditionIndex:  conditionIdx(m.Condition),
			StateAtomIDs:    stateAtomsFor(m.SliceByState),
			StartTimeNs:     p.nowNs,
			AnomalyTrackers: cc.anomalyTrackers[m.ID],
			Notifier:        p.notifier,
			Stats:           p.stats,
			Logger:          p.logger,
		}))
	}

	for i := range cfg.GaugeMetrics {
		m := cfg.GaugeMetrics[i]
		whatIdx := matchers.IDToIdx[m.What]
		for tag := range tagsOf[whatIdx] {
			cc.whatTags[tag] = struct{}{}
		}
		registerProducer(metrics.NewGaugeMetricProducer(metrics.GaugeProducerParams{
			ConfigKey:      cfg.Key(),
			Metric:         m,
			WhatIndex:      whatIdx,
			ConditionIndex: conditionIdx(m.Condition),
			StartTimeNs:    p.nowNs,
			Stats:          p.stats,
			Logger:         p.logger,
		}))
	}

	for i := range cfg.EventMetrics {
		m := cfg.EventMetrics[i]
		whatIdx := matchers.IDToIdx[m.What]
		for tag := range tagsOf[whatIdx] {
			cc.whatTags[tag] = struct{}{}
		}
		registerProducer(metrics.NewEventMetricProducer(metrics.EventProducerParams{
			ConfigKey:      cfg.Key(),
			Metric:         m,
			WhatIndex:      whatIdx,
			ConditionIndex: conditionIdx(m.Condition),
			StartTimeNs:    p.nowNs,
			Stats:          p.stats,
			Logger:         p.logger,
		}))
	}

	return cc, nil
}

// collectMatcherTags computes, per matcher index, the atom tags reachable
// through it.
func collectMatcherTags(cfg *config.Config, table *matcher.Table) []map[int32]struct{} {
	tags := make([]map[int32]struct{}, len(cfg.AtomMatchers))
	var visit func(i int) map[int32]struct{}
	visit = func(i int) map[int32]struct{} {
		if tags[i] != nil {
			return tags[i]
		}
		out := make(map[int32]struct{})
		tags[i] = out
		am := &cfg.AtomMatchers[i]
		switch {
		case am.Simple != nil:
			out[am.Simple.AtomID] = struct{}{}
		case am.Combination != nil:
			for _, childID := range am.Combination.Matchers {
				for tag := range visit(table.IDToIdx[childID]) {
					out[tag] = struct{}{}
				}
			}
		}
		return out
	}
	for i := range cfg.AtomMatchers {
		visit(i)
	}
	return tags
}
