package program

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// GlobalAccount is the singleton deployment config: who administers the
// program, which off-chain key attestations must be signed with, and where
// fee shares go.
type GlobalAccount struct {
	Authority   solana.PublicKey
	ServerKey   solana.PublicKey
	FeesAccount solana.PublicKey
}

// ContestCounter assigns round ids. Count only ever increases, by exactly one
// per contest created.
type ContestCounter struct {
	Count uint64
}

// ContestState is one timed round: its window, pooled prize, and the current
// best (score, leader) pair.
type ContestState struct {
	ID                uint64
	Creator           solana.PublicKey
	StartTime         int64
	EndTime           int64
	PrizePool         uint64
	HighestScore      uint64
	Leader            solana.PublicKey
	TeamAccount       solana.PublicKey
	TotalParticipants uint64
}

// PlayerState is one player's progress within one contest.
type PlayerState struct {
	Owner        solana.PublicKey
	ContestID    uint64
	CurrentScore uint64
}

func ParseGlobalAccount(data []byte) (*GlobalAccount, error) {
	var out GlobalAccount
	if err := parseAccount(Account_GlobalAccount, data, &out); err != nil {
		return nil, fmt.Errorf("parse GlobalAccount: %w", err)
	}
	return &out, nil
}

func ParseContestCounter(data []byte) (*ContestCounter, error) {
	var out ContestCounter
	if err := parseAccount(Account_ContestCounter, data, &out); err != nil {
		return nil, fmt.Errorf("parse ContestCounter: %w", err)
	}
	return &out, nil
}

func ParseContestState(data []byte) (*ContestState, error) {
	var out ContestState
	if err := parseAccount(Account_ContestState, data, &out); err != nil {
		return nil, fmt.Errorf("parse ContestState: %w", err)
	}
	return &out, nil
}

func ParsePlayerState(data []byte) (*PlayerState, error) {
	var out PlayerState
	if err := parseAccount(Account_PlayerState, data, &out); err != nil {
		return nil, fmt.Errorf("parse PlayerState: %w", err)
	}
	return &out, nil
}

// parseAccount checks the 8-byte discriminator prefix, then borsh-decodes the
// remainder into dst.
func parseAccount(discriminator [8]byte, data []byte, dst any) error {
	if len(data) < 8 {
		return fmt.Errorf("account data too short: %d bytes", len(data))
	}
	if !bytes.Equal(data[:8], discriminator[:]) {
		return fmt.Errorf("discriminator mismatch: got %x, want %x", data[:8], discriminator)
	}
	if err := bin.NewBorshDecoder(data[8:]).Decode(dst); err != nil {
		return fmt.Errorf("borsh decode: %w", err)
	}
	return nil
}

// MarshalGlobalAccount serializes a GlobalAccount with its discriminator.
// Production code never writes accounts; this backs the fake ledger used in
// tests and local tooling.
func MarshalGlobalAccount(acc *GlobalAccount) ([]byte, error) {
	return marshalAccount(Account_GlobalAccount, acc)
}

func MarshalContestCounter(acc *ContestCounter) ([]byte, error) {
	return marshalAccount(Account_ContestCounter, acc)
}

func MarshalContestState(acc *ContestState) ([]byte, error) {
	return marshalAccount(Account_ContestState, acc)
}

func MarshalPlayerState(acc *PlayerState) ([]byte, error) {
	return marshalAccount(Account_PlayerState, acc)
}

func marshalAccount(discriminator [8]byte, src any) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(discriminator[:])
	if err := bin.NewBorshEncoder(buf).Encode(src); err != nil {
		return nil, fmt.Errorf("borsh encode: %w", err)
	}
	return buf.Bytes(), nil
}
