// Package pda derives the program accounts of the deployed turbodash
// contest program. The seed material and byte encoding here must match the
// on-chain program exactly; a mismatch makes every instruction target an
// account the program refuses to touch, which fails closed at submission.
package pda

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

const (
	seedGlobal       = "global"
	seedRoundCounter = "contest_counter"
	seedContest      = "contest"
	seedPlayer       = "player"
)

// Deriver maps named seed sets to program-derived addresses for a single
// deployed program id. Pure and deterministic.
type Deriver struct {
	programID solana.PublicKey
}

func NewDeriver(programID solana.PublicKey) Deriver {
	return Deriver{programID: programID}
}

func (d Deriver) ProgramID() solana.PublicKey {
	return d.programID
}

// Global returns the address of the singleton config account.
func (d Deriver) Global() (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress(
		[][]byte{
			[]byte(seedGlobal),
		},
		d.programID,
	)
}

// RoundCounter returns the address of the singleton contest counter.
func (d Deriver) RoundCounter() (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress(
		[][]byte{
			[]byte(seedRoundCounter),
		},
		d.programID,
	)
}

// Contest returns the contest account address for a creator and round id.
func (d Deriver) Contest(creator solana.PublicKey, contestID uint64) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress(
		[][]byte{
			[]byte(seedContest),
			creator.Bytes(),
			contestIDBytes(contestID),
		},
		d.programID,
	)
}

// Player returns the per-player state address for a round.
func (d Deriver) Player(owner solana.PublicKey, contestID uint64) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress(
		[][]byte{
			[]byte(seedPlayer),
			owner.Bytes(),
			contestIDBytes(contestID),
		},
		d.programID,
	)
}

// ContestID validates an externally supplied round id. Ids originate from the
// counter account as u64; anything negative is malformed input, not a round.
func ContestID(v int64) (uint64, error) {
	if v < 0 {
		return 0, fmt.Errorf("contest id must be non-negative, got %d", v)
	}
	return uint64(v), nil
}

// contestIDBytes encodes a contest id the way the program's seeds expect:
// fixed-width 8-byte little-endian.
func contestIDBytes(id uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, id)
	return b
}
