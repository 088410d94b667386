package ingest

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCooldown_DropsFasterSamples(t *testing.T) {
	clk := clock.NewMock()
	c := NewCooldown(100 * time.Millisecond)

	assert.True(t, c.Allow("c1", clk.Now()))
	clk.Add(10 * time.Millisecond)
	assert.False(t, c.Allow("c1", clk.Now()), "second sample 10ms later is dropped")
	assert.True(t, c.Allow("c2", clk.Now()), "other connections are independent")

	clk.Add(90 * time.Millisecond)
	assert.True(t, c.Allow("c1", clk.Now()), "spacing measured from the last accepted sample")

	c.Forget("c1")
	assert.True(t, c.Allow("c1", clk.Now()))
}

func TestCooldown_ZeroAcceptsAll(t *testing.T) {
	c := NewCooldown(0)
	now := time.Now()
	assert.True(t, c.Allow("c1", now))
	assert.True(t, c.Allow("c1", now))
}

func TestLimiter_PerConnectionAndClass(t *testing.T) {
	clk := clock.NewMock()
	l := NewLimiter(3, time.Second)

	for i := 0; i < 3; i++ {
		require.True(t, l.Allow("c1", "room:join", clk.Now()), "event %d", i)
	}
	assert.False(t, l.Allow("c1", "room:join", clk.Now()), "burst exhausted")
	assert.True(t, l.Allow("c1", "sos:trigger", clk.Now()), "classes are independent")
	assert.True(t, l.Allow("c2", "room:join", clk.Now()), "connections are independent")

	clk.Add(time.Second / 2)
	assert.True(t, l.Allow("c1", "room:join", clk.Now()), "one token refilled")
	assert.False(t, l.Allow("c1", "room:join", clk.Now()))

	l.Forget("c1")
	assert.Equal(t, 1, l.Size())
}

type sample struct {
	Lat float64 `validate:"gte=-90,lte=90"`
	Lng float64 `validate:"gte=-180,lte=180"`
	ID  string  `validate:"required"`
}

func TestValidator(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.Check(sample{Lat: 1, Lng: 2, ID: "x"}))

	err := v.Check(sample{Lat: 91, Lng: 2})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))
	assert.Contains(t, err.Error(), "sample.Lat:lte")
	assert.Contains(t, err.Error(), "sample.ID:required")
}

func TestDebouncer_AtMostOncePerInterval(t *testing.T) {
	clk := clock.NewMock()
	d := NewDebouncer[int](15 * time.Second)

	d.Mark("u1", 1)
	d.Mark("u1", 2)
	got := d.Due(clk.Now())
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Value, "latest value wins")

	d.Mark("u1", 3)
	clk.Add(10 * time.Second)
	assert.Empty(t, d.Due(clk.Now()))
	assert.Equal(t, 1, d.Pending())

	clk.Add(5 * time.Second)
	got = d.Due(clk.Now())
	require.Len(t, got, 1)
	assert.Equal(t, 3, got[0].Value)
	assert.Empty(t, d.Due(clk.Now()), "nothing pending")
}

func TestDebouncer_DrainAndForget(t *testing.T) {
	d := NewDebouncer[string](time.Hour)
	d.Mark("b", "2")
	d.Mark("a", "1")
	got := d.Drain()
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Key)
	assert.Zero(t, d.Pending())

	d.Mark("a", "x")
	d.Forget("a")
	assert.Zero(t, d.Pending())
}

type stamped struct {
	v  int
	at time.Time
}

func TestPrepareReplay(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	batch := []stamped{
		{3, base.Add(3 * time.Second)},
		{1, base.Add(1 * time.Second)},
		{4, base.Add(4 * time.Second)},
		{2, base.Add(2 * time.Second)},
	}
	ts := func(s stamped) time.Time { return s.at }

	got := PrepareReplay(batch, 3, ts)
	require.Len(t, got, 3)
	assert.Equal(t, []int{2, 3, 4}, []int{got[0].v, got[1].v, got[2].v}, "oldest trimmed after ordering")
	assert.Equal(t, 3, batch[0].v, "input untouched")

	assert.Len(t, PrepareReplay(batch, 0, ts), 4)
}
