package program

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Instruction argument shapes, borsh-encoded after the 8-byte discriminator.
// These are fixed schemas per instruction kind; handlers validate inputs
// before anything is encoded.

type initializeArgs struct {
	ServerKey   solana.PublicKey
	FeesAccount solana.PublicKey
}

type createContestArgs struct {
	ContestDuration int64
}

type recordProgressArgs struct {
	FeeInLamports uint64
	Pubkey        [32]byte
	Msg           []byte
	Sig           [64]byte
}

type refillLifetimesArgs struct {
	FeeInLamports  uint64
	ShouldContinue bool
	Pubkey         [32]byte
	Msg            []byte
	Sig            [64]byte
}

// AdminAction is the tagged union accepted by process_admin_action.
type AdminAction struct {
	// Tag selects the variant; exactly one key field is meaningful.
	Tag AdminActionTag
	Key solana.PublicKey
}

type AdminActionTag uint8

const (
	AdminAction_UpdateServerKey AdminActionTag = iota
	AdminAction_UpdateAdminKey
	AdminAction_UpdateFeesAccount
)

func (a AdminAction) MarshalWithEncoder(encoder *bin.Encoder) error {
	if err := encoder.WriteUint8(uint8(a.Tag)); err != nil {
		return err
	}
	return encoder.WriteBytes(a.Key.Bytes(), false)
}

// JoinContestAccounts lists every account join_contest touches, in program
// order.
type JoinContestAccounts struct {
	Contest      solana.PublicKey
	RoundCounter solana.PublicKey
	Player       solana.PublicKey
	PlayerState  solana.PublicKey
}

func NewJoinContestInstruction(programID solana.PublicKey, accs JoinContestAccounts) (solana.Instruction, error) {
	data, err := encodeInstruction(Instruction_JoinContest, nil)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(
		programID,
		[]*solana.AccountMeta{
			solana.Meta(accs.Contest).WRITE(),
			solana.Meta(accs.RoundCounter).WRITE(),
			solana.Meta(accs.Player).WRITE().SIGNER(),
			solana.Meta(accs.PlayerState).WRITE(),
			solana.Meta(solana.SystemProgramID),
		},
		data,
	), nil
}

type RecordProgressAccounts struct {
	Contest       solana.PublicKey
	Player        solana.PublicKey
	PlayerState   solana.PublicKey
	BackendSigner solana.PublicKey
	FeesAccount   solana.PublicKey
	Global        solana.PublicKey
}

func NewRecordProgressInstruction(
	programID solana.PublicKey,
	accs RecordProgressAccounts,
	feeInLamports uint64,
	signerKey solana.PublicKey,
	msg []byte,
	sig [64]byte,
) (solana.Instruction, error) {
	data, err := encodeInstruction(Instruction_RecordProgress, &recordProgressArgs{
		FeeInLamports: feeInLamports,
		Pubkey:        signerKey,
		Msg:           msg,
		Sig:           sig,
	})
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(
		programID,
		[]*solana.AccountMeta{
			solana.Meta(accs.Contest).WRITE(),
			solana.Meta(accs.Player).WRITE().SIGNER(),
			solana.Meta(accs.PlayerState).WRITE(),
			solana.Meta(accs.BackendSigner).SIGNER(),
			solana.Meta(accs.FeesAccount).WRITE(),
			solana.Meta(accs.Global),
			solana.Meta(solana.SystemProgramID),
			solana.Meta(solana.SysVarInstructionsPubkey),
		},
		data,
	), nil
}

type RefillLifetimesAccounts struct {
	Player        solana.PublicKey
	PlayerState   solana.PublicKey
	Contest       solana.PublicKey
	BackendSigner solana.PublicKey
	Global        solana.PublicKey
	TeamAccount   solana.PublicKey
}

func NewRefillLifetimesInstruction(
	programID solana.PublicKey,
	accs RefillLifetimesAccounts,
	feeInLamports uint64,
	shouldContinue bool,
	signerKey solana.PublicKey,
	msg []byte,
	sig [64]byte,
) (solana.Instruction, error) {
	data, err := encodeInstruction(Instruction_RefillLifetimes, &refillLifetimesArgs{
		FeeInLamports:  feeInLamports,
		ShouldContinue: shouldContinue,
		Pubkey:         signerKey,
		Msg:            msg,
		Sig:            sig,
	})
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(
		programID,
		[]*solana.AccountMeta{
			solana.Meta(accs.Player).WRITE().SIGNER(),
			solana.Meta(accs.PlayerState).WRITE(),
			solana.Meta(accs.Contest).WRITE(),
			solana.Meta(accs.BackendSigner).SIGNER(),
			solana.Meta(accs.Global),
			solana.Meta(accs.TeamAccount).WRITE(),
			solana.Meta(solana.SystemProgramID),
			solana.Meta(solana.SysVarInstructionsPubkey),
		},
		data,
	), nil
}

type ClaimPrizeAccounts struct {
	Contest     solana.PublicKey
	PlayerState solana.PublicKey
	Winner      solana.PublicKey
}

func NewClaimPrizeInstruction(programID solana.PublicKey, accs ClaimPrizeAccounts) (solana.Instruction, error) {
	data, err := encodeInstruction(Instruction_ClaimPrize, nil)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(
		programID,
		[]*solana.AccountMeta{
			solana.Meta(accs.Contest).WRITE(),
			solana.Meta(accs.PlayerState).WRITE(),
			solana.Meta(accs.Winner).WRITE().SIGNER(),
			solana.Meta(solana.SystemProgramID),
		},
		data,
	), nil
}

type InitializeAccounts struct {
	Global solana.PublicKey
	Payer  solana.PublicKey
}

func NewInitializeInstruction(
	programID solana.PublicKey,
	accs InitializeAccounts,
	serverKey solana.PublicKey,
	feesAccount solana.PublicKey,
) (solana.Instruction, error) {
	data, err := encodeInstruction(Instruction_Initialize, &initializeArgs{
		ServerKey:   serverKey,
		FeesAccount: feesAccount,
	})
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(
		programID,
		[]*solana.AccountMeta{
			solana.Meta(accs.Global).WRITE(),
			solana.Meta(accs.Payer).WRITE().SIGNER(),
			solana.Meta(solana.SystemProgramID),
		},
		data,
	), nil
}

type InitializeCounterAccounts struct {
	RoundCounter solana.PublicKey
	Authority    solana.PublicKey
}

func NewInitializeCounterInstruction(programID solana.PublicKey, accs InitializeCounterAccounts) (solana.Instruction, error) {
	data, err := encodeInstruction(Instruction_InitializeCounter, nil)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(
		programID,
		[]*solana.AccountMeta{
			solana.Meta(accs.RoundCounter).WRITE(),
			solana.Meta(accs.Authority).WRITE().SIGNER(),
			solana.Meta(solana.SystemProgramID),
		},
		data,
	), nil
}

type CreateContestAccounts struct {
	Contest      solana.PublicKey
	RoundCounter solana.PublicKey
	TeamAccount  solana.PublicKey
	Authority    solana.PublicKey
	Global       solana.PublicKey
}

func NewCreateContestInstruction(programID solana.PublicKey, accs CreateContestAccounts, contestDuration int64) (solana.Instruction, error) {
	data, err := encodeInstruction(Instruction_CreateContest, &createContestArgs{
		ContestDuration: contestDuration,
	})
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(
		programID,
		[]*solana.AccountMeta{
			solana.Meta(accs.Contest).WRITE(),
			solana.Meta(accs.RoundCounter).WRITE(),
			solana.Meta(accs.TeamAccount).WRITE(),
			solana.Meta(accs.Authority).WRITE().SIGNER(),
			solana.Meta(accs.Global),
			solana.Meta(solana.SystemProgramID),
		},
		data,
	), nil
}

type ProcessAdminActionAccounts struct {
	Global solana.PublicKey
	Admin  solana.PublicKey
}

func NewProcessAdminActionInstruction(programID solana.PublicKey, accs ProcessAdminActionAccounts, action AdminAction) (solana.Instruction, error) {
	data, err := encodeInstruction(Instruction_ProcessAdminAction, &action)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(
		programID,
		[]*solana.AccountMeta{
			solana.Meta(accs.Global).WRITE(),
			solana.Meta(accs.Admin).WRITE().SIGNER(),
		},
		data,
	), nil
}

// encodeInstruction writes the discriminator followed by borsh-encoded args.
// A nil args value means the instruction takes none.
func encodeInstruction(discriminator [8]byte, args any) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(discriminator[:])
	if args != nil {
		if err := bin.NewBorshEncoder(buf).Encode(args); err != nil {
			return nil, fmt.Errorf("borsh encode args: %w", err)
		}
	}
	return buf.Bytes(), nil
}
