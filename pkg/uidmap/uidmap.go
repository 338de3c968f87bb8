// Package uidmap resolves numeric uids to package names for the string
// matchers. The map is read-mostly: lookups happen on every uid-annotated
// string comparison, writes only on package-change events.
package uidmap

import (
	"path"
	"sync"

	"go.uber.org/zap"
)

// wellKnownIDs maps reserved service names to fixed uids, consulted
// before the package map. Reserved uids stay below 10000.
var wellKnownIDs = map[string]int32{
	"root":   0,
	"system": 1000,
	"radio":  1001,
	"media":  1013,
	"shell":  2000,
	"logd":   1036,
}

const wellKnownUIDCeiling = 10000

// Map tracks which packages are installed under which uids.
type Map struct {
	mu       sync.RWMutex
	packages map[int32]map[string]struct{}
	logger   *zap.Logger
}

// New creates an empty uid map.
func New(logger *zap.Logger) *Map {
	return &Map{
		packages: make(map[int32]map[string]struct{}),
		logger:   logger,
	}
}

// Update replaces the package set for a uid; called from the control path
// on package-manager events.
func (m *Map) Update(uid int32, packageNames []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := make(map[string]struct{}, len(packageNames))
	for _, p := range packageNames {
		set[p] = struct{}{}
	}
	m.packages[uid] = set
	if m.logger != nil {
		m.logger.Debug("uid map updated",
			zap.Int32("uid", uid),
			zap.Int("packages", len(packageNames)))
	}
}

// Remove drops a uid from the map.
func (m *Map) Remove(uid int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.packages, uid)
}

// HasApp reports whether the uid currently hosts the package. Well-known
// service names resolve through the reserved table first.
func (m *Map) HasApp(uid int32, name string) bool {
	if wellKnown, ok := wellKnownIDs[name]; ok {
		return wellKnown == uid
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	set, ok := m.packages[uid]
	if !ok {
		return false
	}
	_, ok = set[name]
	return ok
}

// MatchesWildcard reports whether any name for the uid matches the glob
// pattern. Reserved names are only consulted for reserved uids.
func (m *Map) MatchesWildcard(uid int32, pattern string) bool {
	if uid < wellKnownUIDCeiling {
		for name, wellKnown := range wellKnownIDs {
			if wellKnown != uid {
				continue
			}
			if ok, err := path.Match(pattern, name); err == nil && ok {
				return true
			}
		}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name := range m.packages[uid] {
		if ok, err := path.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

// AppNames returns a snapshot of the package names under a uid.
func (m *Map) AppNames(uid int32) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.packages[uid]))
	for name := range m.packages[uid] {
		names = append(names, name)
	}
	return names
}
