package txbuilder

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/turbodash/backend/pkg/program"
)

// Admin builders return unsigned transactions with the authority as fee
// payer; the admin CLI signs and submits them directly.

// BuildInitialize creates the global config account.
func (b *Builder) BuildInitialize(ctx context.Context, payer, serverKey, feesAccount solana.PublicKey) (*solana.Transaction, error) {
	globalAddr, _, err := b.deriver.Global()
	if err != nil {
		return nil, fmt.Errorf("derive global: %w", err)
	}
	ix, err := program.NewInitializeInstruction(b.cfg.ProgramID, program.InitializeAccounts{
		Global: globalAddr,
		Payer:  payer,
	}, serverKey, feesAccount)
	if err != nil {
		return nil, fmt.Errorf("build initialize instruction: %w", err)
	}
	tx, _, err := b.assemble(ctx, payer, ix)
	return tx, err
}

// BuildInitializeCounter creates the contest counter account.
func (b *Builder) BuildInitializeCounter(ctx context.Context, authority solana.PublicKey) (*solana.Transaction, error) {
	counterAddr, _, err := b.deriver.RoundCounter()
	if err != nil {
		return nil, fmt.Errorf("derive counter: %w", err)
	}
	ix, err := program.NewInitializeCounterInstruction(b.cfg.ProgramID, program.InitializeCounterAccounts{
		RoundCounter: counterAddr,
		Authority:    authority,
	})
	if err != nil {
		return nil, fmt.Errorf("build initialize-counter instruction: %w", err)
	}
	tx, _, err := b.assemble(ctx, authority, ix)
	return tx, err
}

// BuildCreateContest opens a new contest under the authority. The contest
// address derives from the counter's current count, which the program
// assigns as the new contest's id.
func (b *Builder) BuildCreateContest(ctx context.Context, authority, teamAccount solana.PublicKey, duration int64) (*solana.Transaction, solana.PublicKey, error) {
	if duration <= 0 {
		return nil, solana.PublicKey{}, fmt.Errorf("duration must be positive")
	}

	counterAddr, _, err := b.deriver.RoundCounter()
	if err != nil {
		return nil, solana.PublicKey{}, fmt.Errorf("derive counter: %w", err)
	}
	counterData, err := b.fetchAccount(ctx, counterAddr)
	if err != nil {
		return nil, solana.PublicKey{}, err
	}
	counter, err := program.ParseContestCounter(counterData)
	if err != nil {
		return nil, solana.PublicKey{}, fmt.Errorf("parse counter: %w", err)
	}

	contestAddr, _, err := b.deriver.Contest(authority, counter.Count)
	if err != nil {
		return nil, solana.PublicKey{}, fmt.Errorf("derive contest: %w", err)
	}
	globalAddr, _, err := b.deriver.Global()
	if err != nil {
		return nil, solana.PublicKey{}, fmt.Errorf("derive global: %w", err)
	}

	ix, err := program.NewCreateContestInstruction(b.cfg.ProgramID, program.CreateContestAccounts{
		Contest:      contestAddr,
		RoundCounter: counterAddr,
		TeamAccount:  teamAccount,
		Authority:    authority,
		Global:       globalAddr,
	}, duration)
	if err != nil {
		return nil, solana.PublicKey{}, fmt.Errorf("build create-contest instruction: %w", err)
	}

	tx, _, err := b.assemble(ctx, authority, ix)
	if err != nil {
		return nil, solana.PublicKey{}, err
	}
	return tx, contestAddr, nil
}

// BuildAdminAction rotates one of the global config keys.
func (b *Builder) BuildAdminAction(ctx context.Context, admin solana.PublicKey, action program.AdminAction) (*solana.Transaction, error) {
	globalAddr, _, err := b.deriver.Global()
	if err != nil {
		return nil, fmt.Errorf("derive global: %w", err)
	}
	ix, err := program.NewProcessAdminActionInstruction(b.cfg.ProgramID, program.ProcessAdminActionAccounts{
		Global: globalAddr,
		Admin:  admin,
	}, action)
	if err != nil {
		return nil, fmt.Errorf("build admin-action instruction: %w", err)
	}
	tx, _, err := b.assemble(ctx, admin, ix)
	return tx, err
}

// FetchGlobal exposes the parsed global config for operator tooling.
func (b *Builder) FetchGlobal(ctx context.Context) (*program.GlobalAccount, error) {
	global, err := b.fetchGlobal(ctx)
	if err != nil && errors.Is(err, rpc.ErrNotFound) {
		return nil, fmt.Errorf("global config not initialized: %w", err)
	}
	return global, err
}
