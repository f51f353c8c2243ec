// Package program encodes instructions for, and decodes accounts of, the
// deployed turbodash contest program. The program itself is an already
// deployed black box; everything here exists so the transactions we build
// land on the exact account and argument shapes it validates.
package program

import (
	"crypto/sha256"

	"github.com/gagliardetto/solana-go"
)

// DefaultProgramID is the devnet deployment of the contest program.
var DefaultProgramID = solana.MustPublicKeyFromBase58("5h1temPzdsFNwSFNme9Hh2xFtYrjQBy38qZKeiryzPMa")

// Ed25519ProgramID is the native signature-verification program.
var Ed25519ProgramID = solana.MustPublicKeyFromBase58("Ed25519SigVerify111111111111111111111111111")

// Anchor derives instruction discriminators from the sighash of the global
// namespace and account discriminators from the account name. Computing them
// here instead of pasting byte literals keeps them auditable against the IDL.
func instructionDiscriminator(name string) [8]byte {
	return sighash("global:" + name)
}

func accountDiscriminator(name string) [8]byte {
	return sighash("account:" + name)
}

func sighash(preimage string) [8]byte {
	sum := sha256.Sum256([]byte(preimage))
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}

var (
	Instruction_Initialize         = instructionDiscriminator("initialize")
	Instruction_InitializeCounter  = instructionDiscriminator("initialize_counter")
	Instruction_CreateContest      = instructionDiscriminator("create_contest")
	Instruction_JoinContest        = instructionDiscriminator("join_contest")
	Instruction_RecordProgress     = instructionDiscriminator("record_progress")
	Instruction_RefillLifetimes    = instructionDiscriminator("refill_lifetimes")
	Instruction_ClaimPrize         = instructionDiscriminator("claim_prize")
	Instruction_ProcessAdminAction = instructionDiscriminator("process_admin_action")

	Account_GlobalAccount  = accountDiscriminator("GlobalAccount")
	Account_ContestCounter = accountDiscriminator("ContestCounter")
	Account_ContestState   = accountDiscriminator("ContestState")
	Account_PlayerState    = accountDiscriminator("PlayerState")
)
