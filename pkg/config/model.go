// Package config defines the declarative records an engine configuration
// is composed of - matchers, predicates, states, metrics, alerts, alarms
// and subscriptions - plus their validation. Configs are decoded from
// YAML or JSON documents; defaults are applied after decode.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/yairfalse/strata/pkg/event"
)

// LogicalOperation combines child matcher or predicate results.
type LogicalOperation string

const (
	OpAnd  LogicalOperation = "AND"
	OpOr   LogicalOperation = "OR"
	OpNot  LogicalOperation = "NOT"
	OpNand LogicalOperation = "NAND"
	OpNor  LogicalOperation = "NOR"
)

// Valid reports whether the operation is one of the known five.
func (op LogicalOperation) Valid() bool {
	switch op {
	case OpAnd, OpOr, OpNot, OpNand, OpNor:
		return true
	}
	return false
}

// Position names the positional intent on a repeated field.
type Position string

const (
	PositionNone  Position = ""
	PositionFirst Position = "FIRST"
	PositionLast  Position = "LAST"
	PositionAny   Position = "ANY"
	PositionAll   Position = "ALL"
)

// Config is one declarative engine configuration.
type Config struct {
	ID  int64 `yaml:"id" json:"id"`
	UID int32 `yaml:"uid" json:"uid"`

	AtomMatchers []AtomMatcher `yaml:"atom_matchers" json:"atom_matchers"`
	Predicates   []Predicate   `yaml:"predicates" json:"predicates"`
	States       []State       `yaml:"states" json:"states"`

	CountMetrics    []CountMetric    `yaml:"count_metrics" json:"count_metrics"`
	DurationMetrics []DurationMetric `yaml:"duration_metrics" json:"duration_metrics"`
	ValueMetrics    []ValueMetric    `yaml:"value_metrics" json:"value_metrics"`
	GaugeMetrics    []GaugeMetric    `yaml:"gauge_metrics" json:"gauge_metrics"`
	EventMetrics    []EventMetric    `yaml:"event_metrics" json:"event_metrics"`

	Alerts        []Alert        `yaml:"alerts" json:"alerts"`
	Alarms        []Alarm        `yaml:"alarms" json:"alarms"`
	Subscriptions []Subscription `yaml:"subscriptions" json:"subscriptions"`
}

// Key returns the config's identity for reporting and dispatch.
func (c *Config) Key() event.ConfigKey {
	return event.ConfigKey{UID: c.UID, ID: c.ID}
}

// AtomMatcher declares either a simple or a combinational matcher.
type AtomMatcher struct {
	ID          int64               `yaml:"id" json:"id"`
	Simple      *SimpleAtomMatcher  `yaml:"simple,omitempty" json:"simple,omitempty"`
	Combination *CombinationMatcher `yaml:"combination,omitempty" json:"combination,omitempty"`
}

// SimpleAtomMatcher filters one atom by tag and field values.
type SimpleAtomMatcher struct {
	AtomID            int32               `yaml:"atom_id" json:"atom_id"`
	FieldValueMatcher []FieldValueMatcher `yaml:"field_value_matchers" json:"field_value_matchers"`
}

// CombinationMatcher combines other matchers by id.
type CombinationMatcher struct {
	Operation LogicalOperation `yaml:"operation" json:"operation"`
	Matchers  []int64          `yaml:"matchers" json:"matchers"`
}

// StringReplacer declares a regex substitution applied to candidate
// string fields before matching.
type StringReplacer struct {
	Regex       string `yaml:"regex" json:"regex"`
	Replacement string `yaml:"replacement" json:"replacement"`
}

// MatchesTuple recurses the match into a nested structure.
type MatchesTuple struct {
	FieldValueMatcher []FieldValueMatcher `yaml:"field_value_matchers" json:"field_value_matchers"`
}

// FieldValueMatcher tests one field of an atom. Exactly one value test
// may be set; a matcher carrying only a string transform is admissible.
type FieldValueMatcher struct {
	Field    uint32   `yaml:"field" json:"field"`
	Position Position `yaml:"position,omitempty" json:"position,omitempty"`

	EqBool  *bool    `yaml:"eq_bool,omitempty" json:"eq_bool,omitempty"`
	EqInt   *int64   `yaml:"eq_int,omitempty" json:"eq_int,omitempty"`
	LtInt   *int64   `yaml:"lt_int,omitempty" json:"lt_int,omitempty"`
	GtInt   *int64   `yaml:"gt_int,omitempty" json:"gt_int,omitempty"`
	LteInt  *int64   `yaml:"lte_int,omitempty" json:"lte_int,omitempty"`
	GteInt  *int64   `yaml:"gte_int,omitempty" json:"gte_int,omitempty"`
	LtFloat *float64 `yaml:"lt_float,omitempty" json:"lt_float,omitempty"`
	GtFloat *float64 `yaml:"gt_float,omitempty" json:"gt_float,omitempty"`

	EqString             *string  `yaml:"eq_string,omitempty" json:"eq_string,omitempty"`
	EqAnyString          []string `yaml:"eq_any_string,omitempty" json:"eq_any_string,omitempty"`
	NeqAnyString         []string `yaml:"neq_any_string,omitempty" json:"neq_any_string,omitempty"`
	EqWildcardString     *string  `yaml:"eq_wildcard_string,omitempty" json:"eq_wildcard_string,omitempty"`
	EqAnyWildcardString  []string `yaml:"eq_any_wildcard_string,omitempty" json:"eq_any_wildcard_string,omitempty"`
	NeqAnyWildcardString []string `yaml:"neq_any_wildcard_string,omitempty" json:"neq_any_wildcard_string,omitempty"`

	EqAnyInt  []int64 `yaml:"eq_any_int,omitempty" json:"eq_any_int,omitempty"`
	NeqAnyInt []int64 `yaml:"neq_any_int,omitempty" json:"neq_any_int,omitempty"`

	MatchesTuple  *MatchesTuple   `yaml:"matches_tuple,omitempty" json:"matches_tuple,omitempty"`
	ReplaceString *StringReplacer `yaml:"replace_string,omitempty" json:"replace_string,omitempty"`
}

// HasValueMatcher reports whether any value test is declared.
func (m *FieldValueMatcher) HasValueMatcher() bool {
	return m.EqBool != nil || m.EqInt != nil || m.LtInt != nil || m.GtInt != nil ||
		m.LteInt != nil || m.GteInt != nil || m.LtFloat != nil || m.GtFloat != nil ||
		m.EqString != nil || len(m.EqAnyString) > 0 || len(m.NeqAnyString) > 0 ||
		m.EqWildcardString != nil || len(m.EqAnyWildcardString) > 0 ||
		len(m.NeqAnyWildcardString) > 0 || len(m.EqAnyInt) > 0 || len(m.NeqAnyInt) > 0 ||
		m.MatchesTuple != nil
}

// ConditionState is a predicate's declared initial value.
type ConditionState string

const (
	ConditionUnset   ConditionState = ""
	ConditionUnknown ConditionState = "UNKNOWN"
	ConditionFalse   ConditionState = "FALSE"
	ConditionTrue    ConditionState = "TRUE"
)

// Predicate declares either a simple or a combinational condition.
type Predicate struct {
	ID          int64                 `yaml:"id" json:"id"`
	Simple      *SimplePredicate      `yaml:"simple,omitempty" json:"simple,omitempty"`
	Combination *CombinationPredicate `yaml:"combination,omitempty" json:"combination,omitempty"`
}

// SimplePredicate is a start/stop/stop-all state machine over matchers.
type SimplePredicate struct {
	Start   *int64 `yaml:"start,omitempty" json:"start,omitempty"`
	Stop    *int64 `yaml:"stop,omitempty" json:"stop,omitempty"`
	StopAll *int64 `yaml:"stop_all,omitempty" json:"stop_all,omitempty"`

	CountNesting *bool          `yaml:"count_nesting,omitempty" json:"count_nesting,omitempty"`
	InitialValue ConditionState `yaml:"initial_value,omitempty" json:"initial_value,omitempty"`

	Dimensions *FieldMatcher `yaml:"dimensions,omitempty" json:"dimensions,omitempty"`
}

// Nesting returns the nesting flag, defaulting to true.
func (p *SimplePredicate) Nesting() bool {
	return p.CountNesting == nil || *p.CountNesting
}

// CombinationPredicate combines other predicates by id.
type CombinationPredicate struct {
	Operation  LogicalOperation `yaml:"operation" json:"operation"`
	Predicates []int64          `yaml:"predicates" json:"predicates"`
}

// FieldMatcher is a nested dimension/projection spec: which fields of an
// atom partition the output.
type FieldMatcher struct {
	Field    uint32         `yaml:"field" json:"field"`
	Position Position       `yaml:"position,omitempty" json:"position,omitempty"`
	Children []FieldMatcher `yaml:"children,omitempty" json:"children,omitempty"`
}

// State binds a state atom to the metrics it slices, with optional value
// groups collapsing raw values.
type State struct {
	ID     int64 `yaml:"id" json:"id"`
	AtomID int32 `yaml:"atom_id" json:"atom_id"`
	// Field number of the state value inside the atom; defaults to 1.
	ValueField uint32       `yaml:"value_field,omitempty" json:"value_field,omitempty"`
	Groups     []ValueGroup `yaml:"groups,omitempty" json:"groups,omitempty"`
}

// ValueGroup maps raw state values onto one reported group value.
type ValueGroup struct {
	GroupID int64   `yaml:"group_id" json:"group_id"`
	Values  []int64 `yaml:"values" json:"values"`
}

// CountMetric counts matched events per bucket and dimension.
type CountMetric struct {
	ID               int64         `yaml:"id" json:"id"`
	What             int64         `yaml:"what" json:"what"`
	Condition        *int64        `yaml:"condition,omitempty" json:"condition,omitempty"`
	DimensionsInWhat *FieldMatcher `yaml:"dimensions_in_what,omitempty" json:"dimensions_in_what,omitempty"`
	SliceByState     []int64       `yaml:"slice_by_state,omitempty" json:"slice_by_state,omitempty"`
	BucketSizeMillis int64         `yaml:"bucket_size_millis" json:"bucket_size_millis"`

	SplitBucketForAppUpgrade *bool `yaml:"split_bucket_for_app_upgrade,omitempty" json:"split_bucket_for_app_upgrade,omitempty"`
	MinBucketSizeNanos       int64 `yaml:"min_bucket_size_nanos,omitempty" json:"min_bucket_size_nanos,omitempty"`
}

// AggregationType selects how a duration metric aggregates overlapping
// intervals.
type AggregationType string

const (
	AggregateSum AggregationType = "SUM"
	AggregateMax AggregationType = "MAX"
)

// DurationMetric accumulates how long a predicate holds.
type DurationMetric struct {
	ID               int64           `yaml:"id" json:"id"`
	What             int64           `yaml:"what" json:"what"`
	Condition        *int64          `yaml:"condition,omitempty" json:"condition,omitempty"`
	AggregationType  AggregationType `yaml:"aggregation_type,omitempty" json:"aggregation_type,omitempty"`
	DimensionsInWhat *FieldMatcher   `yaml:"dimensions_in_what,omitempty" json:"dimensions_in_what,omitempty"`
	SliceByState     []int64         `yaml:"slice_by_state,omitempty" json:"slice_by_state,omitempty"`
	BucketSizeMillis int64           `yaml:"bucket_size_millis" json:"bucket_size_millis"`

	// Buckets whose duration is below the threshold are not uploaded.
	UploadThresholdNanos *int64 `yaml:"upload_threshold_nanos,omitempty" json:"upload_threshold_nanos,omitempty"`

	SplitBucketForAppUpgrade *bool `yaml:"split_bucket_for_app_upgrade,omitempty" json:"split_bucket_for_app_upgrade,omitempty"`
	MinBucketSizeNanos       int64 `yaml:"min_bucket_size_nanos,omitempty" json:"min_bucket_size_nanos,omitempty"`
}

// ValueAggregation selects how a value metric folds samples in a bucket.
type ValueAggregation string

const (
	ValueSum ValueAggregation = "SUM"
	ValueMin ValueAggregation = "MIN"
	ValueMax ValueAggregation = "MAX"
	ValueAvg ValueAggregation = "AVG"
)

// ValueMetric aggregates a numeric field of matched events per bucket.
type ValueMetric struct {
	ID        int64  `yaml:"id" json:"id"`
	What      int64  `yaml:"what" json:"what"`
	Condition *int64 `yaml:"condition,omitempty" json:"condition,omitempty"`

	// ValueField is the field number carrying the sample; defaults to 2.
	ValueField       uint32             `yaml:"value_field,omitempty" json:"value_field,omitempty"`
	AggregationTypes []ValueAggregation `yaml:"aggregation_types,omitempty" json:"aggregation_types,omitempty"`

	DimensionsInWhat *FieldMatcher `yaml:"dimensions_in_what,omitempty" json:"dimensions_in_what,omitempty"`
	SliceByState     []int64       `yaml:"slice_by_state,omitempty" json:"slice_by_state,omitempty"`
	BucketSizeMillis int64         `yaml:"bucket_size_millis" json:"bucket_size_millis"`

	// UseDiff accumulates differences between consecutive samples
	// instead of the samples themselves (monotonic counter sources).
	UseDiff bool `yaml:"use_diff,omitempty" json:"use_diff,omitempty"`
	// UseAbsoluteValueOnReset treats a diff sample smaller than its
	// predecessor as a counter reset and accumulates the new absolute
	// value instead of dropping the (negative) difference.
	UseAbsoluteValueOnReset bool `yaml:"use_absolute_value_on_reset,omitempty" json:"use_absolute_value_on_reset,omitempty"`
	// MaxPullDelaySec bounds pull servicing for pull-driven sources.
	MaxPullDelaySec int64 `yaml:"max_pull_delay_sec,omitempty" json:"max_pull_delay_sec,omitempty"`

	SplitBucketForAppUpgrade *bool `yaml:"split_bucket_for_app_upgrade,omitempty" json:"split_bucket_for_app_upgrade,omitempty"`
	MinBucketSizeNanos       int64 `yaml:"min_bucket_size_nanos,omitempty" json:"min_bucket_size_nanos,omitempty"`
}

// GaugeMetric snapshots a field of matched events, reporting the last
// sample seen in each bucket.
type GaugeMetric struct {
	ID        int64  `yaml:"id" json:"id"`
	What      int64  `yaml:"what" json:"what"`
	Condition *int64 `yaml:"condition,omitempty" json:"condition,omitempty"`

	// ValueField is the field number snapshotted; defaults to 2.
	ValueField uint32 `yaml:"value_field,omitempty" json:"value_field,omitempty"`

	DimensionsInWhat *FieldMatcher `yaml:"dimensions_in_what,omitempty" json:"dimensions_in_what,omitempty"`
	BucketSizeMillis int64         `yaml:"bucket_size_millis" json:"bucket_size_millis"`

	MaxPullDelaySec int64 `yaml:"max_pull_delay_sec,omitempty" json:"max_pull_delay_sec,omitempty"`

	SplitBucketForAppUpgrade *bool `yaml:"split_bucket_for_app_upgrade,omitempty" json:"split_bucket_for_app_upgrade,omitempty"`
	MinBucketSizeNanos       int64 `yaml:"min_bucket_size_nanos,omitempty" json:"min_bucket_size_nanos,omitempty"`
}

// EventMetric reports every matched event verbatim.
type EventMetric struct {
	ID        int64  `yaml:"id" json:"id"`
	What      int64  `yaml:"what" json:"what"`
	Condition *int64 `yaml:"condition,omitempty" json:"condition,omitempty"`
}

// Alert watches a metric's sum over a sliding window of past buckets.
type Alert struct {
	ID                     int64   `yaml:"id" json:"id"`
	MetricID               int64   `yaml:"metric_id" json:"metric_id"`
	NumBuckets             int     `yaml:"num_buckets" json:"num_buckets"`
	RefractoryPeriodSecs   int64   `yaml:"refractory_period_secs" json:"refractory_period_secs"`
	TriggerIfSumGt         int64   `yaml:"trigger_if_sum_gt" json:"trigger_if_sum_gt"`
	ProbabilityOfInforming float64 `yaml:"probability_of_informing" json:"probability_of_informing"`
}

// Alarm fires periodically on the wall clock.
type Alarm struct {
	ID                     int64   `yaml:"id" json:"id"`
	OffsetMillis           int64   `yaml:"offset_millis" json:"offset_millis"`
	PeriodMillis           int64   `yaml:"period_millis" json:"period_millis"`
	ProbabilityOfInforming float64 `yaml:"probability_of_informing" json:"probability_of_informing"`
}

// Subscription binds an alert or alarm to a subscriber.
type Subscription struct {
	ID           int64   `yaml:"id" json:"id"`
	RuleID       int64   `yaml:"rule_id" json:"rule_id"`
	SubscriberID string  `yaml:"subscriber_id" json:"subscriber_id"`
	Probability  float64 `yaml:"probability,omitempty" json:"probability,omitempty"`
}

// Load reads a configuration document, decoding by file extension and
// falling back from YAML to JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data, filepath.Ext(path))
}

// Parse decodes a configuration document from raw bytes.
func Parse(data []byte, ext string) (*Config, error) {
	cfg := &Config{}
	var err error
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".json":
		err = json.Unmarshal(data, cfg)
	default:
		if err = yaml.Unmarshal(data, cfg); err != nil {
			err = json.Unmarshal(data, cfg)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
