package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitAndSubscribe(t *testing.T) {
	t.Parallel()

	e := NewEmitter()
	sub := e.Subscribe("health_changed")

	e.Emit(HealthChanged{From: "healthy", To: "at_risk", Timestamp: time.Now()})
	e.Emit(PlanSettled{State: "confirmed", Timestamp: time.Now()})

	select {
	case ev := <-sub:
		hc, ok := ev.(HealthChanged)
		require.True(t, ok)
		assert.Equal(t, "at_risk", hc.To)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}

	// The plan event went to the firehose but not to this subscriber.
	select {
	case ev := <-sub:
		t.Fatalf("unexpected event %T", ev)
	default:
	}

	// Both events are on the firehose.
	assert.Len(t, e.Events(), 2)
}

func TestSlowSubscriberDoesNotBlockEmit(t *testing.T) {
	t.Parallel()

	e := NewEmitter()
	e.Subscribe("position_skipped") // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			e.Emit(PositionSkipped{Reason: "stale price"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emit blocked on slow subscriber")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	e := NewEmitter()
	sub := e.Subscribe("plan_created")
	e.Unsubscribe("plan_created", sub)

	_, open := <-sub
	assert.False(t, open)
}

func TestTypeOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "health_changed", TypeOf(HealthChanged{}))
	assert.Equal(t, "position_skipped", TypeOf(PositionSkipped{}))
	assert.Equal(t, "plan_created", TypeOf(PlanCreated{}))
	assert.Equal(t, "plan_settled", TypeOf(PlanSettled{}))
	assert.Equal(t, "unknown", TypeOf(42))
}
