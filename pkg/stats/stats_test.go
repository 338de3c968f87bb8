package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/yairfalse/strata/pkg/event"
)

var key = event.ConfigKey{UID: 1000, ID: 1}

func TestDimensionSizesKeepMaximum(t *testing.T) {
	s := New(zaptest.NewLogger(t))

	s.NoteConditionDimensionSize(key, 7, 10)
	s.NoteConditionDimensionSize(key, 7, 5)
	s.NoteConditionDimensionSize(key, 7, 20)
	assert.Equal(t, 20, s.ConditionDimensionSize(key, 7))

	s.NoteMetricDimensionSize(key, 8, 3)
	s.NoteMetricDimensionSize(key, 8, 2)
}

func TestAnomalyAndHardLimitCounters(t *testing.T) {
	s := New(zaptest.NewLogger(t))

	s.NoteAnomalyDeclared(key, 4)
	s.NoteAnomalyDeclared(key, 4)
	assert.Equal(t, int64(2), s.AnomaliesDeclared(key, 4))
	assert.Equal(t, int64(0), s.AnomaliesDeclared(key, 5))

	s.NoteHardDimensionLimitReached(9)
	assert.Equal(t, int64(1), s.HardLimitHits())
}

func TestDefaultLimits(t *testing.T) {
	s := New(zaptest.NewLogger(t))
	assert.Equal(t, DefaultDimensionSoftLimit, s.DimensionSoftLimit)
	assert.Equal(t, DefaultDimensionHardLimit, s.DimensionHardLimit)
}
