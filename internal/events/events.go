// Package events fans engine observations out to operator-facing consumers:
// health transitions, skipped positions, and plan outcomes. The engine only
// emits; rendering dashboards or alerts is someone else's job.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/shizukutanaka/seisan/internal/chain"
)

// HealthChanged is emitted when a position's classification moves.
type HealthChanged struct {
	Ref          chain.PositionRef
	From, To     string
	HealthFactor decimal.Decimal
	Timestamp    time.Time
}

// PositionSkipped is emitted when a position could not be evaluated this
// tick. Skips are observable, never silent.
type PositionSkipped struct {
	Ref       chain.PositionRef
	Reason    string
	Timestamp time.Time
}

// PlanCreated is emitted for every plan the planner produces.
type PlanCreated struct {
	PlanID         uuid.UUID
	Ref            chain.PositionRef
	Kind           string
	DebtToRepay    decimal.Decimal
	ExpectedProfit decimal.Decimal
	Timestamp      time.Time
}

// PlanSettled is emitted when a plan reaches a terminal state.
type PlanSettled struct {
	PlanID    uuid.UUID
	Ref       chain.PositionRef
	State     string
	TxHash    string
	Profit    decimal.Decimal
	Err       string
	Timestamp time.Time
}

// Emitter fans events out to subscribers. Slow subscribers drop events rather
// than stalling the engine.
type Emitter struct {
	mu        sync.RWMutex
	listeners map[string][]chan any
	events    chan any
}

func NewEmitter() *Emitter {
	return &Emitter{
		listeners: make(map[string][]chan any),
		events:    make(chan any, 1024),
	}
}

// Emit publishes an event to the firehose and to type-specific subscribers.
func (e *Emitter) Emit(event any) {
	select {
	case e.events <- event:
	default:
		// Firehose full; type subscribers still get their copy below.
	}
	e.notify(event)
}

// Events returns the firehose channel carrying every emitted event.
func (e *Emitter) Events() <-chan any {
	return e.events
}

// Subscribe returns a channel receiving events of one type.
func (e *Emitter) Subscribe(eventType string) <-chan any {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := make(chan any, 128)
	e.listeners[eventType] = append(e.listeners[eventType], ch)
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (e *Emitter) Unsubscribe(eventType string, ch <-chan any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	listeners := e.listeners[eventType]
	for i, listener := range listeners {
		if listener == ch {
			e.listeners[eventType] = append(listeners[:i], listeners[i+1:]...)
			close(listener)
			break
		}
	}
}

func (e *Emitter) notify(event any) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, listener := range e.listeners[TypeOf(event)] {
		select {
		case listener <- event:
		default:
		}
	}
}

// TypeOf names an event for subscription routing.
func TypeOf(event any) string {
	switch event.(type) {
	case HealthChanged:
		return "health_changed"
	case PositionSkipped:
		return "position_skipped"
	case PlanCreated:
		return "plan_created"
	case PlanSettled:
		return "plan_settled"
	default:
		return "unknown"
	}
}
