package filter

import (
	"regexp"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vburojevic/tabtrail/internal/domain"
)

func TestPipeline_MatchOrder(t *testing.T) {
	ex1 := regexp.MustCompile("^debug_")
	where, err := NewWhereFilter([]string{"type=custom"})
	if err != nil {
		t.Fatalf("where build failed: %v", err)
	}
	p := NewPipeline([]*regexp.Regexp{ex1}, where)

	ev := &domain.Event{Kind: domain.EventCustom, Name: "signup"}
	if !p.Match(ev) {
		t.Fatalf("expected event to match pipeline")
	}

	ev2 := &domain.Event{Kind: domain.EventCustom, Name: "debug_signup"}
	if p.Match(ev2) {
		t.Fatalf("expected exclude to drop event")
	}

	ev3 := &domain.Event{Kind: domain.EventClick, Name: "signup"}
	if p.Match(ev3) {
		t.Fatalf("expected where to drop non-custom event")
	}
}

func TestPipeline_NilIsAllowAll(t *testing.T) {
	if NewPipeline(nil, nil) != nil {
		t.Fatalf("expected nil pipeline when no filters provided")
	}
	p := NewPipeline(nil, nil)
	if !p.Match(&domain.Event{Name: "anything"}) {
		t.Fatalf("nil pipeline should allow all")
	}
}

func TestBuild(t *testing.T) {
	p, err := Build([]string{"page^/checkout"}, []string{"internal"})
	require.NoError(t, err)
	assert.True(t, p.Match(&domain.Event{PageURL: "/checkout/pay", Name: "pay"}))
	assert.False(t, p.Match(&domain.Event{PageURL: "/home"}))
	assert.False(t, p.Match(&domain.Event{PageURL: "/checkout", Name: "internal_ping"}))

	_, err = Build(nil, []string{"("})
	assert.Error(t, err)
	_, err = Build([]string{"nonsense"}, nil)
	assert.Error(t, err)
}

func TestWhereClauses(t *testing.T) {
	ev := &domain.Event{
		Kind:       domain.EventWebVitals,
		Name:       "LCP",
		PageURL:    "https://shop.example/cart",
		SessionID:  "s-1",
		UserID:     "u-1",
		Timestamp:  1700000000000,
		Properties: map[string]any{"value": 2400.5, "rating": "good"},
	}
	tests := []struct {
		clause string
		want   bool
	}{
		{"type=web_vitals", true},
		{"type!=click", true},
		{"name~^L.P$", true},
		{"name!~CLS", true},
		{"page$/cart", true},
		{"page^https://other", false},
		{"prop.value>=2000", true},
		{"prop.value<=2000", false},
		{"prop.rating=good", true},
		{"prop.missing=x", false},
		{"timestamp>=1700000000000", true},
		{"user=u-1", true},
		{"session=s-2", false},
		{"unknown=x", false},
	}
	for _, tt := range tests {
		t.Run(tt.clause, func(t *testing.T) {
			wc, err := ParseWhereClause(tt.clause)
			require.NoError(t, err)
			assert.Equal(t, tt.want, wc.Match(ev))
		})
	}

	_, err := ParseWhereClause("prop.value>=fast")
	assert.Error(t, err)
	_, err = ParseWhereClause("name~[")
	assert.Error(t, err)
}

func TestDedupeWindow(t *testing.T) {
	mock := clock.NewMock()
	f := NewDedupeFilter(time.Second, mock)
	click := &domain.Event{Kind: domain.EventClick, Name: "buy", SessionID: "s"}
	other := &domain.Event{Kind: domain.EventClick, Name: "cancel", SessionID: "s"}

	assert.True(t, f.Check(click).ShouldEmit)
	assert.True(t, f.Check(other).ShouldEmit)
	res := f.Check(click)
	assert.False(t, res.ShouldEmit)
	assert.Equal(t, 2, res.Count)
	assert.Equal(t, 1, f.Suppressed())

	mock.Add(2 * time.Second)
	assert.True(t, f.Check(click).ShouldEmit, "outside the window the event is new again")

	start := &domain.Event{Kind: domain.EventSessionStart, SessionID: "s"}
	assert.True(t, f.Check(start).ShouldEmit)
	assert.True(t, f.Check(start).ShouldEmit, "session boundaries are never collapsed")

	f.Reset()
	assert.Equal(t, 0, f.Suppressed())
}

func TestDedupeConsecutive(t *testing.T) {
	f := NewDedupeFilter(0, clock.NewMock())
	a := &domain.Event{Kind: domain.EventScroll, PageURL: "/a"}
	b := &domain.Event{Kind: domain.EventScroll, PageURL: "/b"}

	assert.True(t, f.Check(a).ShouldEmit)
	assert.False(t, f.Check(a).ShouldEmit)
	assert.True(t, f.Check(b).ShouldEmit)
	assert.True(t, f.Check(a).ShouldEmit, "only back-to-back repeats collapse")
}
