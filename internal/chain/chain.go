// Package chain hands out (PIH, ICV) links for a branch's invoice chain and
// advances chain state only once an invoice has been accepted.
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ledgerline/einvoicing/internal/shared/errors"
	"github.com/ledgerline/einvoicing/internal/shared/keylock"
	"github.com/ledgerline/einvoicing/internal/shared/logging"
	"github.com/ledgerline/einvoicing/internal/shared/metrics"
	"github.com/ledgerline/einvoicing/internal/shared/types"
)

// SeedPIH is the previous-invoice hash of the first invoice on every chain:
// base64 of the hex SHA-256 of "0".
const SeedPIH = "NWZlY2ViNjZmZmM4NmYzOGQ5NTI3ODZjNmQ2OTZjNzljMmRiYzIzOWRkNGU5MWI0NjcyOWQ3M2EyN2ZiNTdlOQ=="

// Link is a position on a chain.
type Link struct {
	PIH string `json:"pih"`
	ICV int64  `json:"icv"`
}

// State is the durable head of a chain.
type State struct {
	Key        types.ChainKey
	Head       Link
	Halted     bool
	HaltReason string
	UpdatedAt  time.Time
}

// InitialState is the head of a chain that has never committed.
func InitialState(key types.ChainKey) State {
	return State{Key: key, Head: Link{PIH: SeedPIH, ICV: 0}}
}

// IntegrityError reports a commit that does not extend the stored head, or an
// attempt to use a halted chain.
type IntegrityError struct {
	Key      types.ChainKey
	Expected Link
	Actual   Link
	Reason   string
}

func (e *IntegrityError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("chain %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("chain %s: expected head icv=%d pih=%s, stored icv=%d pih=%s",
		e.Key, e.Expected.ICV, e.Expected.PIH, e.Actual.ICV, e.Actual.PIH)
}

func (e *IntegrityError) Unwrap() error {
	return errors.ErrChainIntegrity
}

// Store persists chain heads.
type Store interface {
	// Load returns the stored head, or InitialState if the chain is new.
	Load(ctx context.Context, key types.ChainKey) (State, error)
	// Advance moves the head from prev to next atomically. It returns an
	// *IntegrityError if the stored head is not prev or the chain is halted.
	Advance(ctx context.Context, key types.ChainKey, prev, next Link) error
	// Halt blocks further reservations until Reconcile.
	Halt(ctx context.Context, key types.ChainKey, reason string) error
	// Reconcile clears a halt and sets the head.
	Reconcile(ctx context.Context, key types.ChainKey, head Link) error
}

// Reservation is the next link on a chain, held under the chain's lock until
// it is committed or released.
type Reservation struct {
	Key types.ChainKey
	Link

	lease keylock.Lease
	once  sync.Once
}

// Sequencer serializes access to each chain.
type Sequencer struct {
	store  Store
	locker keylock.Locker
	logger *slog.Logger
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithLogger sets the sequencer's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sequencer) {
		s.logger = l
	}
}

// NewSequencer creates a sequencer over store, locking with locker.
func NewSequencer(store Store, locker keylock.Locker, opts ...Option) *Sequencer {
	s := &Sequencer{store: store, locker: locker, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reserve takes the chain lock and returns the next link. The caller must
// call Commit or Release exactly once.
func (s *Sequencer) Reserve(ctx context.Context, key types.ChainKey) (*Reservation, error) {
	lease, err := s.locker.Acquire(ctx, key.String())
	if err != nil {
		return nil, fmt.Errorf("lock chain %s: %w", key, err)
	}

	state, err := s.store.Load(ctx, key)
	if err != nil {
		s.unlock(lease)
		return nil, fmt.Errorf("load chain %s: %w", key, err)
	}
	if state.Halted {
		s.unlock(lease)
		return nil, &IntegrityError{Key: key, Actual: state.Head, Reason: "halted: " + state.HaltReason}
	}

	metrics.RecordChainOperation(string(key.Stage), "reserve")
	return &Reservation{
		Key:   key,
		Link:  Link{PIH: state.Head.PIH, ICV: state.Head.ICV + 1},
		lease: lease,
	}, nil
}

// Commit advances the chain to r with digest as the new PIH, then releases
// the lock. A mismatched head halts the chain.
func (s *Sequencer) Commit(ctx context.Context, r *Reservation, digest string) error {
	if r.lease == nil {
		return fmt.Errorf("commit chain %s: reservation already finished", r.Key)
	}
	if digest == "" {
		return fmt.Errorf("commit chain %s: empty digest", r.Key)
	}
	defer s.finish(r)

	prev := Link{PIH: r.PIH, ICV: r.ICV - 1}
	next := Link{PIH: digest, ICV: r.ICV}
	err := s.store.Advance(ctx, r.Key, prev, next)

	var ie *IntegrityError
	if errors.As(err, &ie) {
		metrics.RecordChainIntegrityViolation(string(r.Key.Stage))
		s.logger.Error("chain integrity violation",
			append(logging.ChainAttrs(r.Key), slog.Int64("icv", r.ICV), slog.String("error", err.Error()))...)
		if herr := s.store.Halt(ctx, r.Key, ie.Error()); herr != nil {
			s.logger.Error("failed to halt chain", append(logging.ChainAttrs(r.Key), slog.String("error", herr.Error()))...)
		}
		return err
	}
	if err != nil {
		return fmt.Errorf("commit chain %s: %w", r.Key, err)
	}

	metrics.RecordChainOperation(string(r.Key.Stage), "commit")
	s.logger.Debug("chain advanced", append(logging.ChainAttrs(r.Key), slog.Int64("icv", r.ICV))...)
	return nil
}

// Release abandons r without changing chain state; the next reservation
// reuses its ICV. Releasing a finished reservation is a no-op.
func (s *Sequencer) Release(r *Reservation) {
	if r == nil || r.lease == nil {
		return
	}
	metrics.RecordChainOperation(string(r.Key.Stage), "release")
	s.finish(r)
}

// Check reports whether r still holds the chain lock. Work that leaves the
// process, like submitting to the authority, must not start once it fails.
func (s *Sequencer) Check(ctx context.Context, r *Reservation) error {
	if r.lease == nil {
		return fmt.Errorf("check chain %s: reservation already finished", r.Key)
	}
	if err := r.lease.Check(ctx); err != nil {
		return fmt.Errorf("chain %s lock: %w", r.Key, err)
	}
	return nil
}

// Halt stops a chain, e.g. after an accepted invoice failed to persist.
func (s *Sequencer) Halt(ctx context.Context, key types.ChainKey, reason string) error {
	return s.store.Halt(ctx, key, reason)
}

// Head returns the committed head of a chain.
func (s *Sequencer) Head(ctx context.Context, key types.ChainKey) (State, error) {
	return s.store.Load(ctx, key)
}

// Reconcile resets a halted chain to head under the chain lock.
func (s *Sequencer) Reconcile(ctx context.Context, key types.ChainKey, head Link) error {
	lease, err := s.locker.Acquire(ctx, key.String())
	if err != nil {
		return fmt.Errorf("lock chain %s: %w", key, err)
	}
	defer s.unlock(lease)

	if err := s.store.Reconcile(ctx, key, head); err != nil {
		return fmt.Errorf("reconcile chain %s: %w", key, err)
	}
	s.logger.Warn("chain reconciled", append(logging.ChainAttrs(key), slog.Int64("icv", head.ICV))...)
	return nil
}

func (s *Sequencer) finish(r *Reservation) {
	r.once.Do(func() {
		s.unlock(r.lease)
		r.lease = nil
	})
}

func (s *Sequencer) unlock(lease keylock.Lease) {
	// Not tied to the caller's context, which may already be cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := lease.Release(ctx); err != nil {
		s.logger.Warn("chain lock release failed", slog.String("lock", lease.Key()), slog.String("error", err.Error()))
	}
}
