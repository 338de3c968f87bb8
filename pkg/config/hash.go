package config

import (
	"encoding/json"
	"hash/fnv"
)

// recordHash fingerprints one config record. The hash is stored on each
// compiled tracker; InstallConfig rebuilds every runtime instance on an
// update and carries none over, whether or not its hash changed.
func recordHash(record any) (uint64, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return 0, err
	}
	h := fnv.New64a()
	_, _ = h.Write(data)
	return h.Sum64(), nil
}

// MatcherHash fingerprints an atom matcher record.
func (c *Config) MatcherHash(m *AtomMatcher) (uint64, error) {
	return recordHash(m)
}

// PredicateHash fingerprints a predicate record.
func (c *Config) PredicateHash(p *Predicate) (uint64, error) {
	return recordHash(p)
}

// AlertHash fingerprints an alert record. A failure here is surfaced as a
// serialization InvalidConfigError and fails the install closed.
func (c *Config) AlertHash(a *Alert) (uint64, error) {
	h, err := recordHash(a)
	if err != nil {
		return 0, invalidf(ReasonSerializationFailed, a.ID,
			"alert for metric %d could not be serialized: %v", a.MetricID, err)
	}
	return h, nil
}
