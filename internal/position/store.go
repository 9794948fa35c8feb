// Package position maintains the in-memory index of open positions, kept
// current by replaying and then streaming the pool's event feed. The store has
// a single writer (the ingest loop); readers take per-tick snapshots.
package position

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/shizukutanaka/seisan/internal/chain"
)

var (
	// ErrOutOfOrder marks an event older than the last one applied to its
	// position. It is queued for inspection, never applied.
	ErrOutOfOrder = errors.New("event out of chain order")

	// ErrNotReady is returned for reads before the initial replay finishes.
	ErrNotReady = errors.New("position store not ready")

	// ErrNegativeBalance marks an event that would drive collateral or debt
	// below zero; the store and the chain have diverged.
	ErrNegativeBalance = errors.New("event would make position negative")
)

// Position is the store's view of one open position. Balances are native
// units: collateral shares and nominal debt.
type Position struct {
	Ref              chain.PositionRef
	CollateralShares decimal.Decimal
	NominalDebt      decimal.Decimal
	LastApplied      chain.Seq
	UpdatedAt        time.Time
}

// Closed reports whether both balances reached zero. Closed positions leave
// the active index; the audit trail keeps their history.
func (p Position) Closed() bool {
	return p.CollateralShares.Sign() == 0 && p.NominalDebt.Sign() == 0
}

// Store indexes open positions by reference.
type Store struct {
	mu        sync.RWMutex
	positions map[chain.PositionRef]*Position

	// rejected holds out-of-order events for operator inspection. They are
	// never applied; a correct feed does not produce them.
	rejected []chain.Event

	checkpoint uint64
	ready      atomic.Bool
	logger     *zap.Logger

	applied         atomic.Uint64
	rejectedCounter atomic.Uint64
}

// NewStore creates an empty store. It is not ready until Load completes.
func NewStore(logger *zap.Logger) *Store {
	return &Store{
		positions: make(map[chain.PositionRef]*Position),
		logger:    logger,
	}
}

// Load replays the event history from the checkpoint block and marks the
// store ready. The engine must not evaluate liquidations before Load returns.
func (s *Store) Load(ctx context.Context, src chain.EventSource, fromBlock uint64) error {
	err := src.Replay(ctx, fromBlock, func(ev chain.Event) error {
		if err := s.ApplyEvent(ev); err != nil {
			return fmt.Errorf("replay block %d: %w", ev.Block, err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay from block %d: %w", fromBlock, err)
	}
	s.ready.Store(true)
	s.logger.Info("position store ready",
		zap.Uint64("from_block", fromBlock),
		zap.Uint64("checkpoint", s.Checkpoint()),
		zap.Int("open_positions", s.Len()))
	return nil
}

// Ready reports whether the initial replay has completed.
func (s *Store) Ready() bool { return s.ready.Load() }

// ApplyEvent applies one chain event. Events for the same position must
// arrive in (block, tx index, log index) order; older events are rejected.
func (s *Store) ApplyEvent(ev chain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, exists := s.positions[ev.Ref]
	if exists && !pos.LastApplied.Less(ev.Seq()) {
		s.rejected = append(s.rejected, ev)
		s.rejectedCounter.Add(1)
		s.logger.Warn("rejected out-of-order event",
			zap.String("position", ev.Ref.String()),
			zap.String("event_seq", ev.Seq().String()),
			zap.String("last_applied", pos.LastApplied.String()),
			zap.String("kind", ev.Kind.String()))
		return fmt.Errorf("position %s: event %s after %s: %w",
			ev.Ref, ev.Seq(), pos.LastApplied, ErrOutOfOrder)
	}
	if !exists {
		pos = &Position{
			Ref:              ev.Ref,
			CollateralShares: decimal.Zero,
			NominalDebt:      decimal.Zero,
		}
	}

	collateral := pos.CollateralShares.Add(ev.CollateralDelta)
	debt := pos.NominalDebt.Add(ev.DebtDelta)
	if collateral.Sign() < 0 || debt.Sign() < 0 {
		return fmt.Errorf("position %s: event %s (%s): %w",
			ev.Ref, ev.Seq(), ev.Kind, ErrNegativeBalance)
	}

	pos.CollateralShares = collateral
	pos.NominalDebt = debt
	pos.LastApplied = ev.Seq()
	pos.UpdatedAt = ev.Timestamp

	if pos.Closed() {
		delete(s.positions, ev.Ref)
	} else {
		s.positions[ev.Ref] = pos
	}

	if ev.Block > s.checkpoint {
		s.checkpoint = ev.Block
	}
	s.applied.Add(1)
	return nil
}

// ApplyOrdered sorts a batch by chain order before applying, so a feed that
// delivers a block's logs unordered still lands consistently.
func (s *Store) ApplyOrdered(events []chain.Event) error {
	sorted := make([]chain.Event, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Seq().Less(sorted[j].Seq())
	})
	for _, ev := range sorted {
		if err := s.ApplyEvent(ev); err != nil {
			return err
		}
	}
	return nil
}

// Get returns a copy of the position, if open.
func (s *Store) Get(ref chain.PositionRef) (Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.positions[ref]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// Snapshot returns a consistent copy of every open position. Evaluation runs
// against a snapshot, never against the live map mid-mutation.
func (s *Store) Snapshot() ([]Position, error) {
	if !s.ready.Load() {
		return nil, ErrNotReady
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Position, 0, len(s.positions))
	for _, pos := range s.positions {
		out = append(out, *pos)
	}
	return out, nil
}

// PositionsForPool returns open positions in one pool.
func (s *Store) PositionsForPool(poolID uint64) []Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Position
	for _, pos := range s.positions {
		if pos.Ref.PoolID == poolID {
			out = append(out, *pos)
		}
	}
	return out
}

// Checkpoint is the highest block the store has applied, the resume point for
// the live subscription.
func (s *Store) Checkpoint() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkpoint
}

// Len is the number of open positions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.positions)
}

// Rejected drains the queue of rejected out-of-order events.
func (s *Store) Rejected() []chain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.rejected
	s.rejected = nil
	return out
}

// Counters returns total applied and rejected event counts.
func (s *Store) Counters() (applied, rejected uint64) {
	return s.applied.Load(), s.rejectedCounter.Load()
}
