package program

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Error codes emitted by the contest program. Anchor custom errors start at
// 6000 and are reported in hex in RPC error strings.
const (
	ErrCodeContestExpired        = 6000
	ErrCodeContestNotExpired     = 6001
	ErrCodeNotHighestScorer      = 6002
	ErrCodeInsufficientFunds     = 6003
	ErrCodeInvalidFee            = 6004
	ErrCodeSigVerificationFailed = 6005
	ErrCodeUnauthorised          = 6006
)

var errMessages = map[int]string{
	ErrCodeContestExpired:        "contest has expired",
	ErrCodeContestNotExpired:     "contest is still ongoing",
	ErrCodeNotHighestScorer:      "claimant is not the recorded leader",
	ErrCodeInsufficientFunds:     "insufficient funds",
	ErrCodeInvalidFee:            "invalid fee",
	ErrCodeSigVerificationFailed: "attestation signature rejected",
	ErrCodeUnauthorised:          "unauthorised",
}

var customErrRe = regexp.MustCompile(`custom program error: 0x([0-9a-fA-F]+)`)

// RejectionError is an on-ledger rejection decoded from an RPC error string.
// The raw text is preserved so the UI can surface it verbatim.
type RejectionError struct {
	Code int
	Raw  string
}

func (e *RejectionError) Error() string {
	if msg, ok := errMessages[e.Code]; ok {
		return fmt.Sprintf("program rejected transaction: %s (code %d)", msg, e.Code)
	}
	return fmt.Sprintf("program rejected transaction: code %d: %s", e.Code, e.Raw)
}

// ParseRejection extracts a program rejection from an RPC/send error, or
// returns nil if the error does not carry a custom program error code.
func ParseRejection(err error) *RejectionError {
	if err == nil {
		return nil
	}
	m := customErrRe.FindStringSubmatch(err.Error())
	if m == nil {
		return nil
	}
	code, convErr := strconv.ParseInt(strings.ToLower(m[1]), 16, 32)
	if convErr != nil {
		return nil
	}
	return &RejectionError{Code: int(code), Raw: err.Error()}
}
