package program

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

func TestTurbodash_Program_AccountParseRejectsWrongKind(t *testing.T) {
	t.Parallel()

	counter := &ContestCounter{Count: 3}
	data, err := MarshalContestCounter(counter)
	require.NoError(t, err)

	// Correct kind round-trips.
	parsed, err := ParseContestCounter(data)
	require.NoError(t, err)
	require.Equal(t, uint64(3), parsed.Count)

	// Same bytes under a different discriminator must fail closed.
	_, err = ParseContestState(data)
	require.Error(t, err)

	_, err = ParseContestCounter(data[:4])
	require.Error(t, err)
}

func TestTurbodash_Program_ContestStateLayout(t *testing.T) {
	t.Parallel()

	leader := solana.NewWallet().PublicKey()
	state := &ContestState{
		ID:                9,
		Creator:           solana.NewWallet().PublicKey(),
		StartTime:         100,
		EndTime:           200,
		PrizePool:         4_000_000,
		HighestScore:      30,
		Leader:            leader,
		TeamAccount:       solana.NewWallet().PublicKey(),
		TotalParticipants: 2,
	}
	data, err := MarshalContestState(state)
	require.NoError(t, err)
	// 8 discriminator + 8 id + 32 creator + 8 start + 8 end + 8 pool +
	// 8 highest + 32 leader + 32 team + 8 participants
	require.Len(t, data, 152)

	parsed, err := ParseContestState(data)
	require.NoError(t, err)
	require.Equal(t, state, parsed)
}

func TestTurbodash_Program_Ed25519InstructionLayout(t *testing.T) {
	t.Parallel()

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	msg := []byte("TurboDash:Progress:subject:123:abcd")
	var sig [64]byte
	copy(sig[:], ed25519.Sign(priv, msg))

	var pk solana.PublicKey
	copy(pk[:], pub)

	ix := NewEd25519VerifyInstruction(pk, msg, sig)
	require.Equal(t, Ed25519ProgramID, ix.ProgramID())

	data, err := ix.Data()
	require.NoError(t, err)
	require.Equal(t, byte(1), data[0], "num_signatures")
	require.Equal(t, byte(0), data[1], "padding")

	sigOffset := binary.LittleEndian.Uint16(data[2:4])
	pkOffset := binary.LittleEndian.Uint16(data[6:8])
	msgOffset := binary.LittleEndian.Uint16(data[10:12])
	msgSize := binary.LittleEndian.Uint16(data[12:14])

	require.Equal(t, uint16(16), sigOffset)
	require.Equal(t, uint16(80), pkOffset)
	require.Equal(t, uint16(112), msgOffset)
	require.Equal(t, uint16(len(msg)), msgSize)

	// The embedded triple must verify on its own.
	embeddedSig := data[sigOffset : sigOffset+64]
	embeddedPk := data[pkOffset : pkOffset+32]
	embeddedMsg := data[msgOffset : int(msgOffset)+int(msgSize)]
	require.True(t, ed25519.Verify(ed25519.PublicKey(embeddedPk), embeddedMsg, embeddedSig))
}

func TestTurbodash_Program_RecordProgressInstruction(t *testing.T) {
	t.Parallel()

	programID := DefaultProgramID
	signer := solana.NewWallet().PublicKey()
	player := solana.NewWallet().PublicKey()
	msg := []byte("msg")
	var sig [64]byte

	ix, err := NewRecordProgressInstruction(programID, RecordProgressAccounts{
		Contest:       solana.NewWallet().PublicKey(),
		Player:        player,
		PlayerState:   solana.NewWallet().PublicKey(),
		BackendSigner: signer,
		FeesAccount:   solana.NewWallet().PublicKey(),
		Global:        solana.NewWallet().PublicKey(),
	}, 10_000, signer, msg, sig)
	require.NoError(t, err)

	accounts := ix.Accounts()
	require.Len(t, accounts, 8)
	require.True(t, accounts[1].IsSigner, "player signs")
	require.True(t, accounts[1].IsWritable, "player pays")
	require.True(t, accounts[3].IsSigner, "backend signer co-signs")
	require.False(t, accounts[3].IsWritable)
	require.Equal(t, solana.SysVarInstructionsPubkey, accounts[7].PublicKey)

	data, err := ix.Data()
	require.NoError(t, err)
	require.Equal(t, Instruction_RecordProgress[:], data[:8])
	require.Equal(t, uint64(10_000), binary.LittleEndian.Uint64(data[8:16]))
	// pubkey [32], then borsh vec length prefix for msg
	require.Equal(t, signer.Bytes(), data[16:48])
	require.Equal(t, uint32(len(msg)), binary.LittleEndian.Uint32(data[48:52]))
}

func TestTurbodash_Program_AdminActionEncoding(t *testing.T) {
	t.Parallel()

	key := solana.NewWallet().PublicKey()
	ix, err := NewProcessAdminActionInstruction(DefaultProgramID, ProcessAdminActionAccounts{
		Global: solana.NewWallet().PublicKey(),
		Admin:  solana.NewWallet().PublicKey(),
	}, AdminAction{Tag: AdminAction_UpdateFeesAccount, Key: key})
	require.NoError(t, err)

	data, err := ix.Data()
	require.NoError(t, err)
	require.Equal(t, Instruction_ProcessAdminAction[:], data[:8])
	require.Equal(t, byte(AdminAction_UpdateFeesAccount), data[8])
	require.Equal(t, key.Bytes(), data[9:41])
}

func TestTurbodash_Program_ParseRejection(t *testing.T) {
	t.Parallel()

	err := errors.New(`(*rpc.sendTransactionError) Transaction simulation failed: Error processing Instruction 1: custom program error: 0x1772`)
	rej := ParseRejection(err)
	require.NotNil(t, rej)
	require.Equal(t, ErrCodeNotHighestScorer, rej.Code)
	require.Contains(t, rej.Error(), "recorded leader")

	require.Nil(t, ParseRejection(errors.New("connection refused")))
	require.Nil(t, ParseRejection(nil))
}
