// Package attest signs short-lived server attestations that the on-chain
// program verifies through the native ed25519 instruction. Each action kind
// carries a disjoint message tag so a signature minted for one action can
// never authorise another.
package attest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
)

const messagePrefix = "TurboDash"

// Action selects the tag embedded in the attestation message.
type Action string

const (
	ActionProgress Action = "Progress"
	ActionRefill   Action = "Refill"
)

const nonceLen = 8

// Attestation is a signed message bound to one action and one subject.
type Attestation struct {
	Message   []byte
	Signature [64]byte
	SignerKey solana.PublicKey
}

type Config struct {
	Logger *slog.Logger

	// KeypairPath points at a Solana JSON keypair file (64-byte array).
	KeypairPath string

	Clock clockwork.Clock
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.KeypairPath == "" {
		return fmt.Errorf("keypair path is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Signer mints attestations with the backend authority key.
type Signer struct {
	cfg  *Config
	key  solana.PrivateKey
	pub  solana.PublicKey
	rand func([]byte) (int, error)
}

// NewSigner loads the keypair eagerly so unreadable key material surfaces at
// startup rather than on the first request.
func NewSigner(cfg *Config) (*Signer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	key, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.KeypairPath)
	if err != nil {
		return nil, fmt.Errorf("load keypair %s: %w", cfg.KeypairPath, err)
	}
	if _, err := key.Sign([]byte("probe")); err != nil {
		return nil, fmt.Errorf("keypair unusable: %w", err)
	}
	return &Signer{
		cfg:  cfg,
		key:  key,
		pub:  key.PublicKey(),
		rand: rand.Read,
	}, nil
}

// PublicKey returns the attestation authority key.
func (s *Signer) PublicKey() solana.PublicKey {
	return s.pub
}

// Sign produces an attestation for action over subject. The message embeds
// the current clock reading and a random nonce, so two calls for the same
// subject never produce the same bytes.
func (s *Signer) Sign(action Action, subject solana.PublicKey) (*Attestation, error) {
	switch action {
	case ActionProgress, ActionRefill:
	default:
		return nil, fmt.Errorf("unknown action %q", action)
	}

	nonce := make([]byte, nonceLen)
	if _, err := s.rand(nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}

	msg := []byte(strings.Join([]string{
		messagePrefix,
		string(action),
		subject.String(),
		strconv.FormatInt(s.cfg.Clock.Now().UnixNano(), 10),
		hex.EncodeToString(nonce),
	}, ":"))

	raw, err := s.key.Sign(msg)
	if err != nil {
		return nil, fmt.Errorf("sign attestation: %w", err)
	}

	var sig [64]byte
	copy(sig[:], raw[:])

	s.cfg.Logger.Debug("attest: signed", "action", string(action), "subject", subject.String())

	return &Attestation{
		Message:   msg,
		Signature: sig,
		SignerKey: s.pub,
	}, nil
}

// PartialSignTransaction adds the authority's signature to tx. Signatures
// already present, and the slots of signers we do not hold, are left alone.
func (s *Signer) PartialSignTransaction(tx *solana.Transaction) error {
	_, err := tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(s.pub) {
			return &s.key
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("partial sign: %w", err)
	}
	return nil
}

// Verify checks an attestation against its embedded signer key. Used by
// tests and tooling; the authoritative check happens on chain.
func Verify(a *Attestation) bool {
	return ed25519.Verify(ed25519.PublicKey(a.SignerKey[:]), a.Message, a.Signature[:])
}

// WriteKeypairFile persists a freshly generated keypair in the Solana JSON
// format understood by NewSigner. Intended for dev tooling.
func WriteKeypairFile(path string) (solana.PublicKey, error) {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("generate keypair: %w", err)
	}
	parts := make([]string, len(key))
	for i, b := range key {
		parts[i] = strconv.Itoa(int(b))
	}
	data := "[" + strings.Join(parts, ",") + "]"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		return solana.PublicKey{}, fmt.Errorf("write keypair: %w", err)
	}
	return key.PublicKey(), nil
}
