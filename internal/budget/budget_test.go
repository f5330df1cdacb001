package budget

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	require.NoError(t, p.Validate())
	assert.Equal(t, 2, p.MaxDepth)
	assert.Equal(t, 3, p.MaxModelCalls)
	assert.Equal(t, 2, p.MaxRetrievals)
	assert.Equal(t, 20, p.MaxReads)
	assert.Equal(t, 20, p.MaxWrites)
	assert.Equal(t, 6*time.Second, p.SoftDeadline())
}

func TestPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Policy)
		wantErr bool
	}{
		{"default", func(*Policy) {}, false},
		{"zero model calls allowed", func(p *Policy) { p.MaxModelCalls = 0 }, false},
		{"negative depth", func(p *Policy) { p.MaxDepth = -1 }, true},
		{"negative reads", func(p *Policy) { p.MaxReads = -2 }, true},
		{"negative cost", func(p *Policy) { p.MaxCost = -1 }, true},
		{"negative factor", func(p *Policy) { p.SoftDeadlineFactor = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			tt.mutate(&p)
			err := p.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBudget_EnterDepth(t *testing.T) {
	b := New(DefaultPolicy())

	require.NoError(t, b.EnterDepth(0))
	require.NoError(t, b.EnterDepth(1))
	require.NoError(t, b.EnterDepth(2))

	err := b.EnterDepth(3)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExceeded))

	var v Violation
	require.True(t, errors.As(err, &v))
	assert.Equal(t, ResourceDepth, v.Metric)
	assert.Equal(t, 2, b.Used().Depth)
}

func TestBudget_ReserveModelCall(t *testing.T) {
	p := DefaultPolicy()
	p.MaxModelCalls = 2
	p.MaxTokens = 0
	b := New(p)

	require.NoError(t, b.ReserveModelCall(0, 300))
	require.NoError(t, b.ReserveModelCall(0, 300))
	err := b.ReserveModelCall(0, 300)
	require.ErrorIs(t, err, ErrExceeded)
	assert.Equal(t, 2, b.Used().ModelCalls)
}

func TestBudget_ReserveModelCall_TokenCeiling(t *testing.T) {
	p := DefaultPolicy()
	p.MaxTokens = 1000
	b := New(p)

	require.NoError(t, b.ReserveModelCall(0, 400))
	b.RecordTokens(300, 400, 0.001)

	err := b.ReserveModelCall(0, 400)
	var v Violation
	require.True(t, errors.As(err, &v))
	assert.Equal(t, ResourceTokens, v.Metric)
	assert.Equal(t, 1, b.Used().ModelCalls, "refused call is not charged")
}

func TestBudget_ReserveModelCall_CountsPrompt(t *testing.T) {
	p := DefaultPolicy()
	p.MaxTokens = 1000
	b := New(p)

	err := b.ReserveModelCall(700, 400)
	var v Violation
	require.True(t, errors.As(err, &v), "the answer fits but prompt and answer together do not")
	assert.Equal(t, ResourceTokens, v.Metric)
	assert.Equal(t, float64(1100), v.Current)
	assert.Zero(t, b.Used().ModelCalls)

	require.NoError(t, b.ReserveModelCall(550, 400))
	b.RecordTokens(550, 400, 0)
	assert.Empty(t, b.Check())
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("hi"))
	assert.Equal(t, 4, EstimateTokens("I open the chest"))
	assert.Equal(t, 2, EstimateTokens("ééééé"), "runes, not bytes")
}

func TestBudget_ReserveModelCall_CostCeiling(t *testing.T) {
	p := DefaultPolicy()
	p.MaxCost = 0.01
	b := New(p)

	require.NoError(t, b.ReserveModelCall(0, 10))
	b.RecordTokens(10, 10, 0.02)

	err := b.ReserveModelCall(0, 10)
	var v Violation
	require.True(t, errors.As(err, &v))
	assert.Equal(t, ResourceCost, v.Metric)
}

func TestBudget_ZeroModelCalls(t *testing.T) {
	p := DefaultPolicy()
	p.MaxModelCalls = 0
	b := New(p)

	assert.ErrorIs(t, b.ReserveModelCall(0, 1), ErrExceeded)
	assert.Equal(t, 0, b.Remaining().ModelCalls)
}

func TestBudget_ReadsWritesRetrievals(t *testing.T) {
	p := DefaultPolicy()
	p.MaxReads = 3
	p.MaxWrites = 2
	p.MaxRetrievals = 1
	b := New(p)

	require.NoError(t, b.ReserveReads(2))
	assert.Error(t, b.ReserveReads(2))
	require.NoError(t, b.ReserveReads(1))

	require.NoError(t, b.ReserveWrites(2))
	assert.Error(t, b.ReserveWrites(1))

	require.NoError(t, b.ReserveRetrieval())
	assert.Error(t, b.ReserveRetrieval())

	rem := b.Remaining()
	assert.Equal(t, 0, rem.Reads)
	assert.Equal(t, 0, rem.Writes)
	assert.Equal(t, 0, rem.Retrievals)
	assert.Empty(t, b.Check())
}

func TestBudget_RemainingUnbounded(t *testing.T) {
	p := DefaultPolicy()
	p.MaxTokens = 0
	p.MaxCost = 0
	rem := New(p).Remaining()
	assert.Equal(t, int64(-1), rem.InputTokens)
	assert.Equal(t, float64(-1), rem.Cost)
}

func TestBudget_PastSoftDeadline(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	p := DefaultPolicy()
	p.LatencyTarget = time.Second
	p.SoftDeadlineFactor = 2
	b := NewAt(p, clock)

	assert.False(t, b.PastSoftDeadline())
	now = now.Add(1999 * time.Millisecond)
	assert.False(t, b.PastSoftDeadline())
	now = now.Add(time.Millisecond)
	assert.True(t, b.PastSoftDeadline())
}

func TestBudget_NoSoftDeadline(t *testing.T) {
	p := DefaultPolicy()
	p.SoftDeadlineFactor = 0
	b := NewAt(p, func() time.Time { return time.Unix(0, 0) })
	assert.False(t, b.PastSoftDeadline())
}

func TestPolicy_CheckReportsOverruns(t *testing.T) {
	p := DefaultPolicy()
	p.MaxTokens = 100
	violations := p.Check(Usage{Depth: 3, InputTokens: 90, OutputTokens: 20})

	var metrics []Resource
	for _, v := range violations {
		metrics = append(metrics, v.Metric)
	}
	assert.ElementsMatch(t, []Resource{ResourceDepth, ResourceTokens}, metrics)
}

func TestReport(t *testing.T) {
	b := New(DefaultPolicy())
	require.NoError(t, b.EnterDepth(1))
	require.NoError(t, b.ReserveModelCall(0, 100))
	b.RecordTokens(50, 40, 0.0012)

	r := b.Report()
	assert.Contains(t, r.Summary(), "Depth: 1/2")
	assert.Contains(t, r.Summary(), "Calls: 1/3")
	assert.Contains(t, r.Detailed(), "Tokens: 90/6000")
	assert.Contains(t, r.Detailed(), "Cost: $0.0012/$0.0500")
}
