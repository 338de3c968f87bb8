package config

import "fmt"

// InvalidConfigReason names the class of a config rejection.
type InvalidConfigReason string

const (
	ReasonDuplicateID            InvalidConfigReason = "duplicate_id"
	ReasonDanglingID             InvalidConfigReason = "dangling_id"
	ReasonCycle                  InvalidConfigReason = "cycle"
	ReasonMatcherPositionMisuse  InvalidConfigReason = "matcher_position_misuse"
	ReasonMatcherNoValueTest     InvalidConfigReason = "matcher_no_value_test"
	ReasonBadOperation           InvalidConfigReason = "bad_operation"
	ReasonMultipleSlicedChildren InvalidConfigReason = "multiple_sliced_children"
	ReasonBadBucket              InvalidConfigReason = "bad_bucket"
	ReasonBadAlert               InvalidConfigReason = "bad_alert"
	ReasonSerializationFailed    InvalidConfigReason = "serialization_failed"
	ReasonBadRegex               InvalidConfigReason = "bad_regex"
)

// InvalidConfigError rejects a configuration at install time. Installation
// fails closed: no partial activation.
type InvalidConfigError struct {
	Reason InvalidConfigReason
	// ID of the offending matcher, predicate, metric, alert or alarm.
	ID  int64
	Msg string
}

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid config (%s, id=%d): %s", e.Reason, e.ID, e.Msg)
}

func invalidf(reason InvalidConfigReason, id int64, format string, args ...any) error {
	return &InvalidConfigError{Reason: reason, ID: id, Msg: fmt.Sprintf(format, args...)}
}
