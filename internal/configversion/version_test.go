package configversion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextAfter_StrictlyIncreasing(t *testing.T) {
	clock := NewClock()
	v1 := clock.Now()
	v2 := clock.NextAfter(v1)
	v3 := clock.NextAfter(v2)

	assert.True(t, v2.After(v1))
	assert.True(t, v3.After(v2))
}

func TestNextAfter_ClockSkew(t *testing.T) {
	frozen := time.Unix(1_000_000, 0)
	clock := newClockWithNowFunc(func() time.Time { return frozen })

	future := Version{ts: frozen.Add(time.Hour), tiebreaker: 5}
	next := clock.NextAfter(future)

	assert.True(t, next.After(future))
}

func TestFormatParseRoundTrip(t *testing.T) {
	clock := NewClock()
	v := clock.Now()

	s := v.Format()
	parsed, err := Parse(s)
	require.NoError(t, err)
	assert.Equal(t, 0, v.Compare(parsed))
}

func TestParse_Malformed(t *testing.T) {
	_, err := Parse("not-a-version")
	assert.Error(t, err)
}

func TestCompare_Ordering(t *testing.T) {
	a := Version{ts: time.Unix(1, 0), tiebreaker: 3}
	b := Version{ts: time.Unix(1, 0), tiebreaker: 4}
	c := Version{ts: time.Unix(2, 0), tiebreaker: 0}

	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))
	assert.Equal(t, -1, b.Compare(c))
	assert.Equal(t, 0, a.Compare(a))
}
