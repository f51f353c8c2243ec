// Package reconcile drives a built transaction through wallet signature,
// submission, and ledger confirmation, keeping an optimistic pending view
// consistent with ledger truth. One state machine per action kind; distinct
// kinds proceed independently.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/turbodash/backend/pkg/program"
	"github.com/turbodash/backend/pkg/retry"
)

// State is one step of the per-action machine.
type State int

const (
	Idle State = iota
	Built
	AwaitingWalletSignature
	Submitted
	Confirmed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Built:
		return "built"
	case AwaitingWalletSignature:
		return "awaiting_wallet_signature"
	case Submitted:
		return "submitted"
	case Confirmed:
		return "confirmed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ActionKind names one user action. Re-entrancy is excluded per kind only.
type ActionKind string

const (
	KindJoin           ActionKind = "join"
	KindRecordProgress ActionKind = "record_progress"
	KindRefillLives    ActionKind = "refill_lives"
	KindClaimPrize     ActionKind = "claim_prize"
)

var (
	// ErrActionInFlight means the same kind is already past Idle or still
	// in its post-terminal cooldown.
	ErrActionInFlight = errors.New("action already in flight")

	// ErrConfirmTimeout means the ledger never confirmed the signature
	// within the configured window.
	ErrConfirmTimeout = errors.New("confirmation timed out")
)

// Wallet obtains the player's signature over an assembled transaction.
type Wallet interface {
	SignTransaction(ctx context.Context, tx *solana.Transaction) (*solana.Transaction, error)
}

// RPC is the slice of the Solana RPC client the reconciler needs.
type RPC interface {
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

// PauseHooks let the game loop freeze while a refill is outstanding. Resume
// fires only on Confirmed; a Failed or timed-out refill leaves the game
// paused for the caller to resolve against ledger state.
type PauseHooks struct {
	Pause  func()
	Resume func()
}

type Config struct {
	Logger *slog.Logger
	RPC    RPC
	Wallet Wallet

	// Cooldown holds the per-kind lock after a terminal state to absorb
	// rapid double-clicks.
	Cooldown time.Duration

	// ConfirmTimeout bounds how long a submitted signature may stay
	// unconfirmed before the action fails.
	ConfirmTimeout time.Duration

	PollInterval time.Duration

	Hooks PauseHooks
	Clock clockwork.Clock
	Retry retry.Config
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.RPC == nil {
		return fmt.Errorf("rpc client is required")
	}
	if c.Wallet == nil {
		return fmt.Errorf("wallet is required")
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 2 * time.Second
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 60 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = retry.DefaultConfig()
	}
	return nil
}

type kindState struct {
	state         State
	cooldownUntil time.Time
}

// Reconciler runs the submit-and-confirm machine and the optimistic
// pending/completed counters the UI reads.
type Reconciler struct {
	cfg *Config

	mu        sync.Mutex
	kinds     map[ActionKind]*kindState
	pending   map[string]ActionKind
	completed int
}

func New(cfg *Config) (*Reconciler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &Reconciler{
		cfg:     cfg,
		kinds:   make(map[ActionKind]*kindState),
		pending: make(map[string]ActionKind),
	}, nil
}

// PendingCount is the number of actions shown optimistically as in flight.
func (r *Reconciler) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// CompletedCount is the number of actions confirmed by the ledger.
func (r *Reconciler) CompletedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed
}

// StateOf reports the current machine state for one kind.
func (r *Reconciler) StateOf(kind ActionKind) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ks, ok := r.kinds[kind]; ok {
		return ks.state
	}
	return Idle
}

// Run takes a built transaction through signature, submission, and
// confirmation. It blocks until a terminal state and returns the confirmed
// signature. On-ledger rejections are surfaced verbatim.
func (r *Reconciler) Run(ctx context.Context, kind ActionKind, tx *solana.Transaction) (solana.Signature, error) {
	placeholder, err := r.enterBuilt(kind)
	if err != nil {
		return solana.Signature{}, err
	}
	if kind == KindRefillLives && r.cfg.Hooks.Pause != nil {
		r.cfg.Hooks.Pause()
	}

	r.setState(kind, AwaitingWalletSignature)
	signed, err := r.cfg.Wallet.SignTransaction(ctx, tx)
	if err != nil {
		r.fail(kind, placeholder)
		return solana.Signature{}, fmt.Errorf("wallet signature: %w", err)
	}

	sig, err := r.submit(ctx, signed)
	if err != nil {
		r.fail(kind, placeholder)
		if rej := program.ParseRejection(err); rej != nil {
			return solana.Signature{}, rej
		}
		return solana.Signature{}, fmt.Errorf("submit transaction: %w", err)
	}

	// Swap the synthetic placeholder for the real signature under one
	// lock acquisition; at no point do both exist.
	r.mu.Lock()
	delete(r.pending, placeholder)
	r.pending[sig.String()] = kind
	r.kinds[kind].state = Submitted
	r.mu.Unlock()

	r.cfg.Logger.Debug("reconcile: submitted", "kind", string(kind), "signature", sig.String())

	if err := r.awaitConfirmation(ctx, sig); err != nil {
		r.fail(kind, sig.String())
		if rej := program.ParseRejection(err); rej != nil {
			return solana.Signature{}, rej
		}
		return solana.Signature{}, err
	}

	r.mu.Lock()
	delete(r.pending, sig.String())
	r.completed++
	r.kinds[kind].state = Confirmed
	r.kinds[kind].cooldownUntil = r.cfg.Clock.Now().Add(r.cfg.Cooldown)
	r.mu.Unlock()

	if kind == KindRefillLives && r.cfg.Hooks.Resume != nil {
		r.cfg.Hooks.Resume()
	}

	r.cfg.Logger.Info("reconcile: confirmed", "kind", string(kind), "signature", sig.String())
	return sig, nil
}

// enterBuilt takes the per-kind lock and inserts the optimistic placeholder.
func (r *Reconciler) enterBuilt(kind ActionKind) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ks, ok := r.kinds[kind]
	if !ok {
		ks = &kindState{state: Idle}
		r.kinds[kind] = ks
	}
	switch ks.state {
	case Idle:
	case Confirmed, Failed:
		if r.cfg.Clock.Now().Before(ks.cooldownUntil) {
			return "", ErrActionInFlight
		}
	default:
		return "", ErrActionInFlight
	}

	placeholder := uuid.NewString()
	r.pending[placeholder] = kind
	ks.state = Built
	return placeholder, nil
}

func (r *Reconciler) setState(kind ActionKind, s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[kind].state = s
}

// fail discards the pending entry without crediting completed.
func (r *Reconciler) fail(kind ActionKind, pendingKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, pendingKey)
	r.kinds[kind].state = Failed
	r.kinds[kind].cooldownUntil = r.cfg.Clock.Now().Add(r.cfg.Cooldown)
}

func (r *Reconciler) submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	var sig solana.Signature
	err := retry.Do(ctx, r.cfg.Retry, func() error {
		var err error
		sig, err = r.cfg.RPC.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
			PreflightCommitment: rpc.CommitmentConfirmed,
		})
		if err != nil && program.ParseRejection(err) != nil {
			return retry.Permanent(err)
		}
		return err
	})
	return sig, err
}

func (r *Reconciler) awaitConfirmation(ctx context.Context, sig solana.Signature) error {
	deadline := r.cfg.Clock.Now().Add(r.cfg.ConfirmTimeout)
	for {
		status, err := r.pollStatus(ctx, sig)
		if err != nil {
			return err
		}
		if status != nil {
			if status.Err != nil {
				return fmt.Errorf("transaction failed on ledger: %v", status.Err)
			}
			switch status.ConfirmationStatus {
			case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
				return nil
			}
		}

		if !r.cfg.Clock.Now().Before(deadline) {
			return fmt.Errorf("%w: signature %s after %s", ErrConfirmTimeout, sig, r.cfg.ConfirmTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.cfg.Clock.After(r.cfg.PollInterval):
		}
	}
}

func (r *Reconciler) pollStatus(ctx context.Context, sig solana.Signature) (*rpc.SignatureStatusesResult, error) {
	var out *rpc.GetSignatureStatusesResult
	err := retry.Do(ctx, r.cfg.Retry, func() error {
		var err error
		out, err = r.cfg.RPC.GetSignatureStatuses(ctx, true, sig)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get signature status: %w", err)
	}
	if len(out.Value) == 0 {
		return nil, nil
	}
	return out.Value[0], nil
}
