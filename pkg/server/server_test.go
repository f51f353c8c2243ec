package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/turbodash/backend/pkg/aggregate"
	"github.com/turbodash/backend/pkg/testutil"
	"github.com/turbodash/backend/pkg/txbuilder"
)

type mockBuilder struct {
	JoinFunc           func(ctx context.Context, player solana.PublicKey) (*txbuilder.JoinResult, error)
	RecordProgressFunc func(ctx context.Context, player solana.PublicKey, contestID uint64, contestAddr solana.PublicKey) (*txbuilder.TxResult, error)
	RefillLivesFunc    func(ctx context.Context, player solana.PublicKey, contestID uint64, contestAddr solana.PublicKey, shouldContinue bool, chargeUSD float64) (*txbuilder.TxResult, error)
	ClaimPrizeFunc     func(ctx context.Context, claimant solana.PublicKey, contestID uint64, contestAddr solana.PublicKey) (*txbuilder.TxResult, error)
}

func (m *mockBuilder) Join(ctx context.Context, player solana.PublicKey) (*txbuilder.JoinResult, error) {
	return m.JoinFunc(ctx, player)
}

func (m *mockBuilder) RecordProgress(ctx context.Context, player solana.PublicKey, contestID uint64, contestAddr solana.PublicKey) (*txbuilder.TxResult, error) {
	return m.RecordProgressFunc(ctx, player, contestID, contestAddr)
}

func (m *mockBuilder) RefillLives(ctx context.Context, player solana.PublicKey, contestID uint64, contestAddr solana.PublicKey, shouldContinue bool, chargeUSD float64) (*txbuilder.TxResult, error) {
	return m.RefillLivesFunc(ctx, player, contestID, contestAddr, shouldContinue, chargeUSD)
}

func (m *mockBuilder) ClaimPrize(ctx context.Context, claimant solana.PublicKey, contestID uint64, contestAddr solana.PublicKey) (*txbuilder.TxResult, error) {
	return m.ClaimPrizeFunc(ctx, claimant, contestID, contestAddr)
}

type mockCache struct {
	ContestFunc     func(ctx context.Context, force bool) (*aggregate.ContestSnapshot, bool, error)
	LeaderboardFunc func(ctx context.Context, contestID uint64, force bool) ([]aggregate.LeaderboardEntry, bool, error)
}

func (m *mockCache) Contest(ctx context.Context, force bool) (*aggregate.ContestSnapshot, bool, error) {
	return m.ContestFunc(ctx, force)
}

func (m *mockCache) Leaderboard(ctx context.Context, contestID uint64, force bool) ([]aggregate.LeaderboardEntry, bool, error) {
	return m.LeaderboardFunc(ctx, contestID, force)
}

func newTestServer(t *testing.T, cfg *Config) *Server {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = testutil.NewLogger()
	}
	if cfg.Builder == nil {
		cfg.Builder = &mockBuilder{}
	}
	if cfg.Cache == nil {
		cfg.Cache = &mockCache{}
	}
	s, err := New(cfg)
	require.NoError(t, err)
	return s
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "10.0.0.1:40000"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func get(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "10.0.0.1:40000"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func TestTurbodash_Server_JoinValidation(t *testing.T) {
	t.Parallel()

	called := false
	s := newTestServer(t, &Config{
		Builder: &mockBuilder{
			JoinFunc: func(_ context.Context, _ solana.PublicKey) (*txbuilder.JoinResult, error) {
				called = true
				return nil, nil
			},
		},
	})

	for _, tt := range []struct {
		name string
		body any
	}{
		{"missing address", map[string]string{}},
		{"not base58", map[string]string{"playerAddress": "not-base58-0OIl"}},
		{"wrong length", map[string]string{"playerAddress": "abc"}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(t, s.Handler(), "/join", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			resp := decodeBody[map[string]string](t, rec)
			require.NotEmpty(t, resp["error"])
		})
	}
	require.False(t, called, "validation must reject before the builder runs")
}

func TestTurbodash_Server_Join(t *testing.T) {
	t.Parallel()

	player := solana.NewWallet().PublicKey()
	contestAddr := solana.NewWallet().PublicKey()
	stateAddr := solana.NewWallet().PublicKey()
	s := newTestServer(t, &Config{
		Builder: &mockBuilder{
			JoinFunc: func(_ context.Context, got solana.PublicKey) (*txbuilder.JoinResult, error) {
				require.Equal(t, player, got)
				return &txbuilder.JoinResult{
					Transaction:        "dHg=",
					Checkpoint:         "hash",
					ContestID:          7,
					ContestAddress:     contestAddr,
					PlayerStateAddress: stateAddr,
				}, nil
			},
		},
	})

	rec := postJSON(t, s.Handler(), "/join", map[string]string{"playerAddress": player.String()})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[map[string]any](t, rec)
	require.Equal(t, "dHg=", resp["transaction"])
	require.Equal(t, "hash", resp["checkpoint"])
	require.Equal(t, float64(7), resp["contestId"])
	require.Equal(t, contestAddr.String(), resp["contestAddress"])
	require.Equal(t, stateAddr.String(), resp["playerStateAddress"])
}

func TestTurbodash_Server_ErrorMapping(t *testing.T) {
	t.Parallel()

	player := solana.NewWallet().PublicKey().String()
	contest := solana.NewWallet().PublicKey().String()
	roundID := int64(0)

	for _, tt := range []struct {
		name string
		err  error
		want int
	}{
		{"no active contest", txbuilder.ErrNoActiveContest, http.StatusNotFound},
		{"network failure", txbuilder.ErrNetwork, http.StatusBadGateway},
		{"signing failure", txbuilder.ErrSigning, http.StatusInternalServerError},
	} {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newTestServer(t, &Config{
				Builder: &mockBuilder{
					RecordProgressFunc: func(_ context.Context, _ solana.PublicKey, _ uint64, _ solana.PublicKey) (*txbuilder.TxResult, error) {
						return nil, tt.err
					},
				},
			})
			rec := postJSON(t, s.Handler(), "/record-progress", map[string]any{
				"userAddress": player, "roundId": roundID, "contestAddress": contest,
			})
			require.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestTurbodash_Server_ActionValidation(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &Config{
		Builder: &mockBuilder{
			RefillLivesFunc: func(_ context.Context, _ solana.PublicKey, _ uint64, _ solana.PublicKey, _ bool, _ float64) (*txbuilder.TxResult, error) {
				return &txbuilder.TxResult{Transaction: "dHg="}, nil
			},
		},
	})
	player := solana.NewWallet().PublicKey().String()
	contest := solana.NewWallet().PublicKey().String()

	for _, tt := range []struct {
		name string
		body map[string]any
	}{
		{"missing roundId", map[string]any{"userAddress": player, "contestAddress": contest, "chargeUsd": 1.0}},
		{"negative roundId", map[string]any{"userAddress": player, "roundId": -1, "contestAddress": contest, "chargeUsd": 1.0}},
		{"missing contestAddress", map[string]any{"userAddress": player, "roundId": 0, "chargeUsd": 1.0}},
		{"zero charge", map[string]any{"userAddress": player, "roundId": 0, "contestAddress": contest, "chargeUsd": 0}},
		{"negative charge", map[string]any{"userAddress": player, "roundId": 0, "contestAddress": contest, "chargeUsd": -2.5}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := postJSON(t, s.Handler(), "/refill-lives", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	rec := postJSON(t, s.Handler(), "/refill-lives", map[string]any{
		"userAddress": player, "roundId": 0, "contestAddress": contest,
		"shouldContinue": true, "chargeUsd": 2.0,
	})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestTurbodash_Server_LatestContest(t *testing.T) {
	t.Parallel()

	addr := solana.NewWallet().PublicKey()
	var forced bool
	s := newTestServer(t, &Config{
		Cache: &mockCache{
			ContestFunc: func(_ context.Context, force bool) (*aggregate.ContestSnapshot, bool, error) {
				forced = force
				return &aggregate.ContestSnapshot{ID: 2, Address: addr, Status: aggregate.StatusActive}, true, nil
			},
		},
	})

	rec := get(t, s.Handler(), "/latest-contest")
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, forced)
	resp := decodeBody[map[string]any](t, rec)
	require.Equal(t, true, resp["fromCache"])
	require.Equal(t, addr.String(), resp["contestAddress"])
	data := resp["data"].(map[string]any)
	require.Equal(t, "active", data["status"])

	get(t, s.Handler(), "/latest-contest?refresh=true")
	require.True(t, forced)
}

func TestTurbodash_Server_LeaderboardNoContest(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &Config{
		Cache: &mockCache{
			ContestFunc: func(_ context.Context, _ bool) (*aggregate.ContestSnapshot, bool, error) {
				return nil, false, aggregate.ErrNoContest
			},
		},
	})
	rec := get(t, s.Handler(), "/leaderboard")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTurbodash_Server_Leaderboard(t *testing.T) {
	t.Parallel()

	rows := []aggregate.LeaderboardEntry{
		{Address: solana.NewWallet().PublicKey(), Score: 50, Rank: 1},
		{Address: solana.NewWallet().PublicKey(), Score: 20, Rank: 2},
	}
	var gotID uint64
	var gotForce bool
	s := newTestServer(t, &Config{
		Cache: &mockCache{
			ContestFunc: func(_ context.Context, _ bool) (*aggregate.ContestSnapshot, bool, error) {
				return &aggregate.ContestSnapshot{ID: 9}, true, nil
			},
			LeaderboardFunc: func(_ context.Context, contestID uint64, force bool) ([]aggregate.LeaderboardEntry, bool, error) {
				gotID = contestID
				gotForce = force
				return rows, false, nil
			},
		},
	})

	// Explicit contest id with refresh.
	rec := get(t, s.Handler(), "/leaderboard?contestId=4&refresh=1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, uint64(4), gotID)
	require.True(t, gotForce)
	resp := decodeBody[map[string]any](t, rec)
	require.Equal(t, false, resp["fromCache"])
	require.Len(t, resp["data"].([]any), 2)

	// No contest id falls back to the latest contest.
	rec = get(t, s.Handler(), "/leaderboard")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, uint64(9), gotID)

	rec = get(t, s.Handler(), "/leaderboard?contestId=-3")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTurbodash_Server_RateLimit(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &Config{
		Builder: &mockBuilder{
			JoinFunc: func(_ context.Context, _ solana.PublicKey) (*txbuilder.JoinResult, error) {
				return &txbuilder.JoinResult{}, nil
			},
		},
		RateLimit: rate.Every(time.Hour),
		RateBurst: 1,
	})
	player := map[string]string{"playerAddress": solana.NewWallet().PublicKey().String()}

	rec := postJSON(t, s.Handler(), "/join", player)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = postJSON(t, s.Handler(), "/join", player)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Read endpoints are not rate limited.
	s.cfg.Cache = &mockCache{ContestFunc: func(_ context.Context, _ bool) (*aggregate.ContestSnapshot, bool, error) {
		return &aggregate.ContestSnapshot{}, true, nil
	}}
	rec = get(t, s.Handler(), "/latest-contest")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestTurbodash_Server_Probes(t *testing.T) {
	t.Parallel()

	ready := false
	s := newTestServer(t, &Config{
		Ready:       func() bool { return ready },
		VersionInfo: VersionInfo{Version: "1.2.3", Commit: "abc", Date: "2026-01-01"},
	})

	require.Equal(t, http.StatusOK, get(t, s.Handler(), "/healthz").Code)
	require.Equal(t, http.StatusServiceUnavailable, get(t, s.Handler(), "/readyz").Code)
	ready = true
	require.Equal(t, http.StatusOK, get(t, s.Handler(), "/readyz").Code)

	rec := get(t, s.Handler(), "/version")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[map[string]string](t, rec)
	require.Equal(t, "1.2.3", resp["version"])
}
