// Package txbuilder assembles the unsigned transactions the browser client
// signs and submits. Attested actions carry an ed25519 verification
// instruction and the server's partial signature; the player always pays
// fees and signs last.
package txbuilder

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/turbodash/backend/pkg/attest"
	"github.com/turbodash/backend/pkg/metrics"
	"github.com/turbodash/backend/pkg/pda"
	"github.com/turbodash/backend/pkg/program"
)

var (
	// ErrNoActiveContest means the counter shows no contest has been
	// created yet.
	ErrNoActiveContest = errors.New("no active contest")

	// ErrSigning wraps attestation or partial-signing failures.
	ErrSigning = errors.New("signing failed")

	// ErrNetwork wraps RPC failures reaching the ledger.
	ErrNetwork = errors.New("ledger network error")
)

const defaultRecordProgressFee = 10_000 // lamports

// RPC is the slice of the Solana RPC client the builder needs.
type RPC interface {
	GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	GetProgramAccountsWithOpts(ctx context.Context, publicKey solana.PublicKey, opts *rpc.GetProgramAccountsOpts) (rpc.GetProgramAccountsResult, error)
}

// PriceConverter turns a USD charge into lamports.
type PriceConverter interface {
	USDToLamports(ctx context.Context, usd float64) (uint64, error)
}

type Config struct {
	Logger *slog.Logger
	RPC    RPC
	Signer *attest.Signer
	Price  PriceConverter

	ProgramID solana.PublicKey

	// RecordProgressFee is the flat per-checkpoint fee in lamports.
	RecordProgressFee uint64
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.RPC == nil {
		return fmt.Errorf("rpc client is required")
	}
	if c.ProgramID.IsZero() {
		c.ProgramID = program.DefaultProgramID
	}
	if c.RecordProgressFee == 0 {
		c.RecordProgressFee = defaultRecordProgressFee
	}
	return nil
}

// Builder constructs transactions against the deployed contest program.
type Builder struct {
	cfg     *Config
	deriver pda.Deriver
}

func New(cfg *Config) (*Builder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &Builder{
		cfg:     cfg,
		deriver: pda.NewDeriver(cfg.ProgramID),
	}, nil
}

// JoinResult carries the unsigned transaction plus the addresses the client
// needs to track its own state.
type JoinResult struct {
	Transaction        string
	Checkpoint         string
	ContestID          uint64
	ContestAddress     solana.PublicKey
	PlayerStateAddress solana.PublicKey
}

// TxResult is the unsigned transaction for a single-output action.
type TxResult struct {
	Transaction string
}

// Join builds the join transaction for the latest contest. The contest id
// comes from the on-chain counter; a zero counter means nothing to join.
func (b *Builder) Join(ctx context.Context, player solana.PublicKey) (res *JoinResult, err error) {
	defer func() { metrics.RecordTxBuild("join", err) }()

	counterAddr, _, err := b.deriver.RoundCounter()
	if err != nil {
		return nil, fmt.Errorf("derive counter: %w", err)
	}
	counterData, err := b.fetchAccount(ctx, counterAddr)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, ErrNoActiveContest
		}
		return nil, err
	}
	counter, err := program.ParseContestCounter(counterData)
	if err != nil {
		return nil, fmt.Errorf("parse counter: %w", err)
	}
	if counter.Count == 0 {
		return nil, ErrNoActiveContest
	}
	contestID := counter.Count - 1

	contestAddr, err := b.findContest(ctx, contestID)
	if err != nil {
		return nil, err
	}
	playerStateAddr, _, err := b.deriver.Player(player, contestID)
	if err != nil {
		return nil, fmt.Errorf("derive player state: %w", err)
	}

	ix, err := program.NewJoinContestInstruction(b.cfg.ProgramID, program.JoinContestAccounts{
		Contest:      contestAddr,
		RoundCounter: counterAddr,
		Player:       player,
		PlayerState:  playerStateAddr,
	})
	if err != nil {
		return nil, fmt.Errorf("build join instruction: %w", err)
	}

	tx, blockhash, err := b.assemble(ctx, player, ix)
	if err != nil {
		return nil, err
	}
	encoded, err := tx.ToBase64()
	if err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}

	b.cfg.Logger.Debug("txbuilder: built join",
		"player", player.String(),
		"contest", contestAddr.String(),
		"contestID", contestID,
	)

	return &JoinResult{
		Transaction:        encoded,
		Checkpoint:         blockhash.String(),
		ContestID:          contestID,
		ContestAddress:     contestAddr,
		PlayerStateAddress: playerStateAddr,
	}, nil
}

// RecordProgress builds the checkpoint transaction. The attestation binds
// the player address, and the transaction carries the server's signature
// before the player ever sees it.
func (b *Builder) RecordProgress(ctx context.Context, player solana.PublicKey, contestID uint64, contestAddr solana.PublicKey) (res *TxResult, err error) {
	defer func() { metrics.RecordTxBuild("record_progress", err) }()

	if b.cfg.Signer == nil {
		return nil, fmt.Errorf("%w: attestation signer not configured", ErrSigning)
	}
	global, err := b.fetchGlobal(ctx)
	if err != nil {
		return nil, err
	}
	globalAddr, _, err := b.deriver.Global()
	if err != nil {
		return nil, fmt.Errorf("derive global: %w", err)
	}
	playerStateAddr, _, err := b.deriver.Player(player, contestID)
	if err != nil {
		return nil, fmt.Errorf("derive player state: %w", err)
	}

	att, err := b.cfg.Signer.Sign(attest.ActionProgress, player)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSigning, err)
	}
	metrics.AttestationsSignedTotal.WithLabelValues(string(attest.ActionProgress)).Inc()

	verifyIx := program.NewEd25519VerifyInstruction(att.SignerKey, att.Message, att.Signature)
	ix, err := program.NewRecordProgressInstruction(b.cfg.ProgramID, program.RecordProgressAccounts{
		Contest:       contestAddr,
		Player:        player,
		PlayerState:   playerStateAddr,
		BackendSigner: att.SignerKey,
		FeesAccount:   global.FeesAccount,
		Global:        globalAddr,
	}, b.cfg.RecordProgressFee, att.SignerKey, att.Message, att.Signature)
	if err != nil {
		return nil, fmt.Errorf("build record-progress instruction: %w", err)
	}

	return b.finishAttested(ctx, "record progress", player, verifyIx, ix)
}

// RefillLives builds the life-refill transaction. The USD charge converts
// to lamports at the current SOL rate; shouldContinue keeps the current
// score instead of resetting it.
func (b *Builder) RefillLives(ctx context.Context, player solana.PublicKey, contestID uint64, contestAddr solana.PublicKey, shouldContinue bool, chargeUSD float64) (res *TxResult, err error) {
	defer func() { metrics.RecordTxBuild("refill_lives", err) }()

	if b.cfg.Signer == nil {
		return nil, fmt.Errorf("%w: attestation signer not configured", ErrSigning)
	}
	if b.cfg.Price == nil {
		return nil, fmt.Errorf("price converter not configured")
	}
	feeLamports, err := b.cfg.Price.USDToLamports(ctx, chargeUSD)
	if err != nil {
		return nil, fmt.Errorf("convert charge: %w", err)
	}

	global, err := b.fetchGlobal(ctx)
	if err != nil {
		return nil, err
	}
	globalAddr, _, err := b.deriver.Global()
	if err != nil {
		return nil, fmt.Errorf("derive global: %w", err)
	}
	playerStateAddr, _, err := b.deriver.Player(player, contestID)
	if err != nil {
		return nil, fmt.Errorf("derive player state: %w", err)
	}

	att, err := b.cfg.Signer.Sign(attest.ActionRefill, player)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSigning, err)
	}
	metrics.AttestationsSignedTotal.WithLabelValues(string(attest.ActionRefill)).Inc()

	verifyIx := program.NewEd25519VerifyInstruction(att.SignerKey, att.Message, att.Signature)
	ix, err := program.NewRefillLifetimesInstruction(b.cfg.ProgramID, program.RefillLifetimesAccounts{
		Player:        player,
		PlayerState:   playerStateAddr,
		Contest:       contestAddr,
		BackendSigner: att.SignerKey,
		Global:        globalAddr,
		// The program checks the payment destination against the current
		// global fees account, not the contest's creation-time snapshot.
		TeamAccount: global.FeesAccount,
	}, feeLamports, shouldContinue, att.SignerKey, att.Message, att.Signature)
	if err != nil {
		return nil, fmt.Errorf("build refill instruction: %w", err)
	}

	return b.finishAttested(ctx, "refill lives", player, verifyIx, ix)
}

// ClaimPrize builds the prize-claim transaction. No attestation: the
// program itself compares the claimant against the recorded leader.
func (b *Builder) ClaimPrize(ctx context.Context, claimant solana.PublicKey, contestID uint64, contestAddr solana.PublicKey) (res *TxResult, err error) {
	defer func() { metrics.RecordTxBuild("claim_prize", err) }()

	playerStateAddr, _, err := b.deriver.Player(claimant, contestID)
	if err != nil {
		return nil, fmt.Errorf("derive player state: %w", err)
	}

	ix, err := program.NewClaimPrizeInstruction(b.cfg.ProgramID, program.ClaimPrizeAccounts{
		Contest:     contestAddr,
		PlayerState: playerStateAddr,
		Winner:      claimant,
	})
	if err != nil {
		return nil, fmt.Errorf("build claim instruction: %w", err)
	}

	tx, _, err := b.assemble(ctx, claimant, ix)
	if err != nil {
		return nil, err
	}
	encoded, err := tx.ToBase64()
	if err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}
	return &TxResult{Transaction: encoded}, nil
}

// finishAttested assembles, partially signs, and encodes a transaction
// whose first instruction is the signature verification.
func (b *Builder) finishAttested(ctx context.Context, what string, player solana.PublicKey, ixs ...solana.Instruction) (*TxResult, error) {
	tx, _, err := b.assemble(ctx, player, ixs...)
	if err != nil {
		return nil, err
	}
	if err := b.cfg.Signer.PartialSignTransaction(tx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSigning, err)
	}
	encoded, err := tx.ToBase64()
	if err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}

	b.cfg.Logger.Debug("txbuilder: built "+what, "player", player.String())
	return &TxResult{Transaction: encoded}, nil
}

func (b *Builder) assemble(ctx context.Context, feePayer solana.PublicKey, ixs ...solana.Instruction) (*solana.Transaction, solana.Hash, error) {
	start := time.Now()
	blockhash, err := b.cfg.RPC.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	metrics.RecordRPCRequest("getLatestBlockhash", time.Since(start), err)
	if err != nil {
		return nil, solana.Hash{}, fmt.Errorf("%w: get latest blockhash: %w", ErrNetwork, err)
	}

	tx, err := solana.NewTransaction(
		ixs,
		blockhash.Value.Blockhash,
		solana.TransactionPayer(feePayer),
	)
	if err != nil {
		return nil, solana.Hash{}, fmt.Errorf("assemble transaction: %w", err)
	}
	return tx, blockhash.Value.Blockhash, nil
}

// findContest resolves a contest's account address by id. Contest seeds bind
// the creation-time creator, which an admin-key rotation can leave unknown,
// so the address comes from an account scan rather than derivation.
func (b *Builder) findContest(ctx context.Context, contestID uint64) (solana.PublicKey, error) {
	var idBytes [8]byte
	binary.LittleEndian.PutUint64(idBytes[:], contestID)

	start := time.Now()
	out, err := b.cfg.RPC.GetProgramAccountsWithOpts(ctx, b.cfg.ProgramID, &rpc.GetProgramAccountsOpts{
		Commitment: rpc.CommitmentConfirmed,
		Encoding:   solana.EncodingBase64,
		Filters: []rpc.RPCFilter{
			{Memcmp: &rpc.RPCFilterMemcmp{Offset: 0, Bytes: solana.Base58(program.Account_ContestState[:])}},
			{Memcmp: &rpc.RPCFilterMemcmp{Offset: 8, Bytes: solana.Base58(idBytes[:])}},
		},
	})
	metrics.RecordRPCRequest("getProgramAccounts", time.Since(start), err)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: list contest accounts: %w", ErrNetwork, err)
	}
	for _, item := range out {
		if _, err := program.ParseContestState(item.Account.Data.GetBinary()); err != nil {
			b.cfg.Logger.Warn("txbuilder: skipping undecodable contest account",
				"account", item.Pubkey.String(), "error", err)
			continue
		}
		return item.Pubkey, nil
	}
	return solana.PublicKey{}, ErrNoActiveContest
}

func (b *Builder) fetchGlobal(ctx context.Context) (*program.GlobalAccount, error) {
	globalAddr, _, err := b.deriver.Global()
	if err != nil {
		return nil, fmt.Errorf("derive global: %w", err)
	}
	data, err := b.fetchAccount(ctx, globalAddr)
	if err != nil {
		return nil, err
	}
	global, err := program.ParseGlobalAccount(data)
	if err != nil {
		return nil, fmt.Errorf("parse global: %w", err)
	}
	return global, nil
}

func (b *Builder) fetchAccount(ctx context.Context, addr solana.PublicKey) ([]byte, error) {
	start := time.Now()
	resp, err := b.cfg.RPC.GetAccountInfoWithOpts(ctx, addr, &rpc.GetAccountInfoOpts{
		Commitment: rpc.CommitmentConfirmed,
	})
	metrics.RecordRPCRequest("getAccountInfo", time.Since(start), err)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, fmt.Errorf("account %s: %w", addr, rpc.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: get account %s: %w", ErrNetwork, addr, err)
	}
	if resp.Value == nil {
		return nil, fmt.Errorf("account %s: %w", addr, rpc.ErrNotFound)
	}
	return resp.Value.Data.GetBinary(), nil
}
