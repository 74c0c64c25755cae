package schedule

import (
	"testing"

	"github.com/chongxuan2024/live2dSpeek/internal/segment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTable = RangeTable{
	SpeakingStart: 0,
	SpeakingEnd:   1.6,
	SilenceStart:  6.5,
	SilenceEnd:    10,
}

func speaking(start, end float64) segment.Segment {
	return segment.Segment{Kind: segment.Speaking, Start: start, End: end}
}

func silence(start, end float64) segment.Segment {
	return segment.Segment{Kind: segment.Silence, Start: start, End: end}
}

func assertSteps(t *testing.T, want, got []Step) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].Kind, got[i].Kind, "step %d kind", i)
		assert.InDelta(t, want[i].Start, got[i].Start, 1e-9, "step %d start", i)
		assert.InDelta(t, want[i].End, got[i].End, 1e-9, "step %d end", i)
	}
}

func TestRangeTable_Validate(t *testing.T) {
	tests := []struct {
		name    string
		table   RangeTable
		wantErr bool
	}{
		{"valid", testTable, false},
		{"empty speaking", RangeTable{SpeakingStart: 1, SpeakingEnd: 1, SilenceStart: 2, SilenceEnd: 3}, true},
		{"inverted silence", RangeTable{SpeakingStart: 0, SpeakingEnd: 1, SilenceStart: 3, SilenceEnd: 2}, true},
		{"negative start", RangeTable{SpeakingStart: -1, SpeakingEnd: 1, SilenceStart: 2, SilenceEnd: 3}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.table.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTable)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPlan_TilesLongSegment(t *testing.T) {
	steps := Plan([]segment.Segment{speaking(0, 3.5)}, testTable, DefaultOptions())

	assertSteps(t, []Step{
		{segment.Speaking, 0, 1.6},
		{segment.Speaking, 0, 1.6},
		{segment.Speaking, 0, 0.3},
	}, steps)
}

func TestPlan_CoalescesSmallRemainder(t *testing.T) {
	// 3.25 leaves 0.05 after two full tiles; it is folded into the second tile
	steps := Plan([]segment.Segment{speaking(0, 3.25)}, testTable, DefaultOptions())

	assertSteps(t, []Step{
		{segment.Speaking, 0, 1.6},
		{segment.Speaking, 0, 1.6},
	}, steps)
}

func TestPlan_CoalesceExtendsUnclampedStep(t *testing.T) {
	table := RangeTable{SpeakingStart: 0, SpeakingEnd: 1.6, SilenceStart: 2, SilenceEnd: 3}
	segs := []segment.Segment{speaking(0, 1.0), speaking(1.0, 1.05)}

	steps := Plan(segs, table, DefaultOptions())
	assertSteps(t, []Step{{segment.Speaking, 0, 1.05}}, steps)
}

func TestPlan_ShortFirstSegmentStillEmitted(t *testing.T) {
	steps := Plan([]segment.Segment{speaking(0, 0.05)}, testTable, DefaultOptions())
	assertSteps(t, []Step{{segment.Speaking, 0, 0.05}}, steps)
}

func TestPlan_PreservesAlternation(t *testing.T) {
	segs := []segment.Segment{
		speaking(0, 1.0),
		silence(1.0, 3.0),
		speaking(3.0, 4.0),
	}
	steps := Plan(segs, testTable, DefaultOptions())

	assertSteps(t, []Step{
		{segment.Speaking, 0, 1.0},
		{segment.Silence, 6.5, 8.5},
		{segment.Speaking, 0, 1.0},
	}, steps)
}

func TestPlan_SilenceLoopsItsRange(t *testing.T) {
	steps := Plan([]segment.Segment{silence(0, 5)}, testTable, DefaultOptions())

	assertSteps(t, []Step{
		{segment.Silence, 6.5, 10},
		{segment.Silence, 6.5, 8.0},
	}, steps)
}

func TestPlan_SilenceEndGuard(t *testing.T) {
	opts := DefaultOptions()
	opts.SilenceEndGuard = 0.03

	steps := Plan([]segment.Segment{speaking(0, 1), silence(1, 6)}, testTable, opts)

	assertSteps(t, []Step{
		{segment.Speaking, 0, 1},
		{segment.Silence, 6.5, 9.97},
		{segment.Silence, 6.5, 7.97},
	}, steps)
}

func TestPlan_DropTrailingSilence(t *testing.T) {
	opts := DefaultOptions()
	opts.DropTrailingSilence = true

	steps := Plan([]segment.Segment{speaking(0, 1), silence(1, 2)}, testTable, opts)
	assertSteps(t, []Step{{segment.Speaking, 0, 1}}, steps)
}

func TestPlan_EmptyInput(t *testing.T) {
	assert.Empty(t, Plan(nil, testTable, DefaultOptions()))
	assert.Empty(t, Plan([]segment.Segment{speaking(0, 0)}, testTable, DefaultOptions()))
}

func TestPlan_StepsStayInsideTheirRange(t *testing.T) {
	segs := []segment.Segment{
		speaking(0, 2.7), silence(2.7, 9.1), speaking(9.1, 13.3), silence(13.3, 14.0),
	}
	steps := Plan(segs, testTable, DefaultOptions())

	for i, s := range steps {
		start, end := testTable.Range(s.Kind)
		assert.Equal(t, start, s.Start, "step %d", i)
		assert.LessOrEqual(t, s.End, end, "step %d", i)
		assert.Greater(t, s.End, s.Start, "step %d", i)
	}
	assert.InDelta(t, 14.0, Total(steps), 1e-9)
}
