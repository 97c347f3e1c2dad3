package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	clocktesting "k8s.io/utils/clock/testing"
)

func TestPollRunsDueCallbacks(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Unix(1000, 0))
	s := New(clk)

	fast, slow := 0, 0
	s.Register(100*time.Millisecond, func() { fast++ })
	s.Register(time.Second, func() { slow++ })

	s.Poll()
	assert.Equal(t, 0, fast)

	for i := 0; i < 10; i++ {
		clk.Step(100 * time.Millisecond)
		s.Poll()
	}
	assert.Equal(t, 10, fast)
	assert.Equal(t, 1, slow)
}

func TestLatePollRunsOnce(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Unix(1000, 0))
	s := New(clk)

	calls := 0
	s.Register(100*time.Millisecond, func() { calls++ })
	clk.Step(time.Second)
	s.Poll()
	s.Poll()
	assert.Equal(t, 1, calls)
}

func TestUnregisterFromCallback(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Unix(1000, 0))
	s := New(clk)

	calls := 0
	var h *Handle
	h = s.Register(time.Millisecond, func() {
		calls++
		s.Unregister(h)
	})
	assert.Equal(t, 1, s.Len())

	clk.Step(time.Millisecond)
	s.Poll()
	clk.Step(time.Millisecond)
	s.Poll()
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, s.Len())
}
