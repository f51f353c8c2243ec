package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gagliardetto/solana-go"
	"github.com/getsentry/sentry-go"
	"github.com/mr-tron/base58"

	"github.com/turbodash/backend/pkg/aggregate"
	"github.com/turbodash/backend/pkg/pda"
	"github.com/turbodash/backend/pkg/txbuilder"
)

type errorResponse struct {
	Error string `json:"error"`
}

type joinRequest struct {
	PlayerAddress string `json:"playerAddress"`
}

type joinResponse struct {
	Transaction        string `json:"transaction"`
	Checkpoint         string `json:"checkpoint"`
	ContestID          uint64 `json:"contestId"`
	PlayerStateAddress string `json:"playerStateAddress"`
	ContestAddress     string `json:"contestAddress"`
}

type actionRequest struct {
	UserAddress    string `json:"userAddress"`
	RoundID        *int64 `json:"roundId"`
	ContestAddress string `json:"contestAddress"`

	// refill-lives only
	ShouldContinue bool    `json:"shouldContinue"`
	ChargeUSD      float64 `json:"chargeUsd"`
}

type transactionResponse struct {
	Transaction string `json:"transaction"`
}

type latestContestResponse struct {
	FromCache      bool                       `json:"fromCache"`
	Data           *aggregate.ContestSnapshot `json:"data"`
	ContestAddress string                     `json:"contestAddress"`
}

type leaderboardResponse struct {
	FromCache bool                         `json:"fromCache"`
	Data      []aggregate.LeaderboardEntry `json:"data"`
}

func (s *Server) joinHandler(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	player, err := parseAddress("playerAddress", req.PlayerAddress)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	res, err := s.cfg.Builder.Join(r.Context(), player)
	if err != nil {
		s.writeBuilderError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, joinResponse{
		Transaction:        res.Transaction,
		Checkpoint:         res.Checkpoint,
		ContestID:          res.ContestID,
		PlayerStateAddress: res.PlayerStateAddress.String(),
		ContestAddress:     res.ContestAddress.String(),
	})
}

func (s *Server) recordProgressHandler(w http.ResponseWriter, r *http.Request) {
	_, player, contestID, contestAddr, ok := s.decodeActionRequest(w, r)
	if !ok {
		return
	}

	res, err := s.cfg.Builder.RecordProgress(r.Context(), player, contestID, contestAddr)
	if err != nil {
		s.writeBuilderError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, transactionResponse{Transaction: res.Transaction})
}

func (s *Server) refillLivesHandler(w http.ResponseWriter, r *http.Request) {
	req, player, contestID, contestAddr, ok := s.decodeActionRequest(w, r)
	if !ok {
		return
	}
	if req.ChargeUSD <= 0 {
		s.writeError(w, r, http.StatusBadRequest, errors.New("chargeUsd must be positive"))
		return
	}

	res, err := s.cfg.Builder.RefillLives(r.Context(), player, contestID, contestAddr, req.ShouldContinue, req.ChargeUSD)
	if err != nil {
		s.writeBuilderError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, transactionResponse{Transaction: res.Transaction})
}

func (s *Server) claimPrizeHandler(w http.ResponseWriter, r *http.Request) {
	_, claimant, contestID, contestAddr, ok := s.decodeActionRequest(w, r)
	if !ok {
		return
	}

	res, err := s.cfg.Builder.ClaimPrize(r.Context(), claimant, contestID, contestAddr)
	if err != nil {
		s.writeBuilderError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, transactionResponse{Transaction: res.Transaction})
}

func (s *Server) latestContestHandler(w http.ResponseWriter, r *http.Request) {
	force := parseBoolParam(r, "refresh")
	snapshot, fromCache, err := s.cfg.Cache.Contest(r.Context(), force)
	if err != nil {
		s.writeBuilderError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, latestContestResponse{
		FromCache:      fromCache,
		Data:           snapshot,
		ContestAddress: snapshot.Address.String(),
	})
}

func (s *Server) leaderboardHandler(w http.ResponseWriter, r *http.Request) {
	force := parseBoolParam(r, "refresh")

	var contestID uint64
	if raw := r.URL.Query().Get("contestId"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid contestId %q", raw))
			return
		}
		contestID, err = pda.ContestID(parsed)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, err)
			return
		}
	} else {
		snapshot, _, err := s.cfg.Cache.Contest(r.Context(), false)
		if err != nil {
			s.writeBuilderError(w, r, err)
			return
		}
		contestID = snapshot.ID
	}

	rows, fromCache, err := s.cfg.Cache.Leaderboard(r.Context(), contestID, force)
	if err != nil {
		s.writeBuilderError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, leaderboardResponse{FromCache: fromCache, Data: rows})
}

// decodeActionRequest validates the shared fields of the POST actions
// before anything is derived or signed.
func (s *Server) decodeActionRequest(w http.ResponseWriter, r *http.Request) (req actionRequest, player solana.PublicKey, contestID uint64, contestAddr solana.PublicKey, ok bool) {
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	var err error
	player, err = parseAddress("userAddress", req.UserAddress)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if req.RoundID == nil {
		s.writeError(w, r, http.StatusBadRequest, errors.New("roundId is required"))
		return
	}
	contestID, err = pda.ContestID(*req.RoundID)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	contestAddr, err = parseAddress("contestAddress", req.ContestAddress)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	ok = true
	return
}

// parseAddress decodes a base58 address and insists on the 32-byte key
// shape before any PublicKey is constructed from it.
func parseAddress(field, value string) (solana.PublicKey, error) {
	if value == "" {
		return solana.PublicKey{}, fmt.Errorf("%s is required", field)
	}
	raw, err := base58.Decode(value)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%s is not valid base58", field)
	}
	if len(raw) != solana.PublicKeyLength {
		return solana.PublicKey{}, fmt.Errorf("%s must decode to %d bytes", field, solana.PublicKeyLength)
	}
	return solana.PublicKeyFromBytes(raw), nil
}

func parseBoolParam(r *http.Request, name string) bool {
	switch r.URL.Query().Get(name) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

// writeBuilderError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeBuilderError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, txbuilder.ErrNoActiveContest), errors.Is(err, aggregate.ErrNoContest):
		s.writeError(w, r, http.StatusNotFound, err)
	case errors.Is(err, txbuilder.ErrNetwork):
		s.writeError(w, r, http.StatusBadGateway, err)
	case errors.Is(err, txbuilder.ErrSigning):
		s.writeError(w, r, http.StatusInternalServerError, err)
	default:
		s.writeError(w, r, http.StatusInternalServerError, err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= 500 {
		s.log.Error("server: request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
		sentry.CaptureException(err)
	} else {
		s.log.Debug("server: request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("server: failed to encode response", "error", err)
	}
}
