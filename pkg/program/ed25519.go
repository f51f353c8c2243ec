package program

import (
	"bytes"
	"encoding/binary"

	"github.com/gagliardetto/solana-go"
)

// ed25519HeaderLen covers num_signatures, padding, and the three
// offset/index pairs of a single-signature verify instruction.
const ed25519HeaderLen = 16

// NewEd25519VerifyInstruction builds the native-program instruction that
// proves sig is a valid detached signature over msg by pubkey. Signature,
// key, and message are co-located in this instruction's own data, so all
// instruction indexes are 0xFFFF (meaning "this instruction").
//
// Layout:
//
//	[num_signatures: u8, padding: u8,
//	 sig_offset: u16, sig_ix_index: u16,
//	 pk_offset: u16, pk_ix_index: u16,
//	 msg_offset: u16, msg_size: u16, msg_ix_index: u16,
//	 signature: 64 bytes, public_key: 32 bytes, message: variable]
func NewEd25519VerifyInstruction(pubkey solana.PublicKey, msg []byte, sig [64]byte) solana.Instruction {
	sigOffset := uint16(ed25519HeaderLen)
	pkOffset := sigOffset + 64
	msgOffset := pkOffset + 32

	data := new(bytes.Buffer)
	data.WriteByte(1) // num_signatures
	data.WriteByte(0) // padding
	writeU16 := func(v uint16) {
		_ = binary.Write(data, binary.LittleEndian, v)
	}
	writeU16(sigOffset)
	writeU16(0xFFFF)
	writeU16(pkOffset)
	writeU16(0xFFFF)
	writeU16(msgOffset)
	writeU16(uint16(len(msg)))
	writeU16(0xFFFF)
	data.Write(sig[:])
	data.Write(pubkey.Bytes())
	data.Write(msg)

	return solana.NewInstruction(
		Ed25519ProgramID,
		[]*solana.AccountMeta{},
		data.Bytes(),
	)
}
