package server

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/turbodash/backend/pkg/aggregate"
	"github.com/turbodash/backend/pkg/attest"
	"github.com/turbodash/backend/pkg/pda"
	"github.com/turbodash/backend/pkg/program"
	"github.com/turbodash/backend/pkg/testutil"
	"github.com/turbodash/backend/pkg/txbuilder"
)

// memLedger is an in-memory stand-in for the RPC node, good enough for the
// builder's account reads and the cache's program scans.
type memLedger struct {
	mu       sync.Mutex
	accounts map[solana.PublicKey][]byte
}

func (l *memLedger) set(addr solana.PublicKey, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[addr] = data
}

func (l *memLedger) GetAccountInfoWithOpts(_ context.Context, account solana.PublicKey, _ *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	data, ok := l.accounts[account]
	if !ok {
		return nil, rpc.ErrNotFound
	}
	return &rpc.GetAccountInfoResult{Value: &rpc.Account{Data: rpc.DataBytesOrJSONFromBytes(data)}}, nil
}

func (l *memLedger) GetLatestBlockhash(_ context.Context, _ rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	return &rpc.GetLatestBlockhashResult{
		Value: &rpc.LatestBlockhashResult{
			Blockhash: solana.HashFromBytes([]byte("end-to-end-test-blockhash-123456")),
		},
	}, nil
}

func (l *memLedger) GetProgramAccountsWithOpts(_ context.Context, _ solana.PublicKey, opts *rpc.GetProgramAccountsOpts) (rpc.GetProgramAccountsResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out rpc.GetProgramAccountsResult
	for addr, data := range l.accounts {
		match := true
		for _, f := range opts.Filters {
			if f.Memcmp == nil {
				continue
			}
			lo := int(f.Memcmp.Offset)
			hi := lo + len(f.Memcmp.Bytes)
			if hi > len(data) || string(data[lo:hi]) != string(f.Memcmp.Bytes) {
				match = false
				break
			}
		}
		if match {
			out = append(out, &rpc.KeyedAccount{
				Pubkey:  addr,
				Account: &rpc.Account{Data: rpc.DataBytesOrJSONFromBytes(data)},
			})
		}
	}
	return out, nil
}

type e2eFixture struct {
	server    *Server
	ledger    *memLedger
	clock     *clockwork.FakeClock
	deriver   pda.Deriver
	authority solana.PublicKey
	serverKey solana.PublicKey
}

func newE2EFixture(t *testing.T) *e2eFixture {
	t.Helper()

	keypairPath := filepath.Join(t.TempDir(), "server.json")
	serverKey, err := attest.WriteKeypairFile(keypairPath)
	require.NoError(t, err)
	signer, err := attest.NewSigner(&attest.Config{
		Logger:      testutil.NewLogger(),
		KeypairPath: keypairPath,
	})
	require.NoError(t, err)

	deriver := pda.NewDeriver(program.DefaultProgramID)
	authority := solana.NewWallet().PublicKey()
	now := time.Unix(1_700_000_000, 0)
	clock := clockwork.NewFakeClockAt(now)

	ledger := &memLedger{accounts: make(map[solana.PublicKey][]byte)}

	globalAddr, _, err := deriver.Global()
	require.NoError(t, err)
	globalData, err := program.MarshalGlobalAccount(&program.GlobalAccount{
		Authority:   authority,
		ServerKey:   serverKey,
		FeesAccount: solana.NewWallet().PublicKey(),
	})
	require.NoError(t, err)
	ledger.set(globalAddr, globalData)

	counterAddr, _, err := deriver.RoundCounter()
	require.NoError(t, err)
	counterData, err := program.MarshalContestCounter(&program.ContestCounter{Count: 1})
	require.NoError(t, err)
	ledger.set(counterAddr, counterData)

	contestAddr, _, err := deriver.Contest(authority, 0)
	require.NoError(t, err)
	contestData, err := program.MarshalContestState(&program.ContestState{
		ID:          0,
		Creator:     authority,
		StartTime:   now.Unix() - 60,
		EndTime:     now.Unix() + 3600,
		TeamAccount: solana.NewWallet().PublicKey(),
	})
	require.NoError(t, err)
	ledger.set(contestAddr, contestData)

	builder, err := txbuilder.New(&txbuilder.Config{
		Logger: testutil.NewLogger(),
		RPC:    ledger,
		Signer: signer,
	})
	require.NoError(t, err)

	cache, err := aggregate.NewCache(&aggregate.Config{
		Logger: testutil.NewLogger(),
		RPC:    ledger,
		Clock:  clock,
	})
	require.NoError(t, err)

	srv := newTestServer(t, &Config{
		Builder: builder,
		Cache:   cache,
	})

	return &e2eFixture{
		server:    srv,
		ledger:    ledger,
		clock:     clock,
		deriver:   deriver,
		authority: authority,
		serverKey: serverKey,
	}
}

func (f *e2eFixture) setPlayer(t *testing.T, owner solana.PublicKey, score uint64) {
	t.Helper()
	addr, _, err := f.deriver.Player(owner, 0)
	require.NoError(t, err)
	data, err := program.MarshalPlayerState(&program.PlayerState{
		Owner:        owner,
		ContestID:    0,
		CurrentScore: score,
	})
	require.NoError(t, err)
	f.ledger.set(addr, data)
}

func TestTurbodash_Server_EndToEnd(t *testing.T) {
	t.Parallel()

	fix := newE2EFixture(t)
	handler := fix.server.Handler()
	player := solana.NewWallet().PublicKey()

	// The latest contest is live and served fresh, then from cache.
	rec := get(t, handler, "/latest-contest")
	require.Equal(t, http.StatusOK, rec.Code)
	first := decodeBody[map[string]any](t, rec)
	require.Equal(t, false, first["fromCache"])
	require.Equal(t, "active", first["data"].(map[string]any)["status"])

	rec = get(t, handler, "/latest-contest")
	require.Equal(t, true, decodeBody[map[string]any](t, rec)["fromCache"])

	// Joining returns an unsigned transaction for the derived accounts.
	rec = postJSON(t, handler, "/join", map[string]string{"playerAddress": player.String()})
	require.Equal(t, http.StatusOK, rec.Code)
	join := decodeBody[map[string]any](t, rec)
	wantState, _, err := fix.deriver.Player(player, 0)
	require.NoError(t, err)
	require.Equal(t, wantState.String(), join["playerStateAddress"])

	raw, err := base64.StdEncoding.DecodeString(join["transaction"].(string))
	require.NoError(t, err)
	joinTx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	require.NoError(t, err)
	require.Equal(t, player, joinTx.Message.AccountKeys[0])

	// Recording progress returns a transaction already carrying the
	// backend signature over its message.
	rec = postJSON(t, handler, "/record-progress", map[string]any{
		"userAddress":    player.String(),
		"roundId":        0,
		"contestAddress": join["contestAddress"],
	})
	require.Equal(t, http.StatusOK, rec.Code)
	progress := decodeBody[map[string]any](t, rec)
	raw, err = base64.StdEncoding.DecodeString(progress["transaction"].(string))
	require.NoError(t, err)
	progressTx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	require.NoError(t, err)
	require.Len(t, progressTx.Signatures, 2)
	msgBytes, err := progressTx.Message.MarshalBinary()
	require.NoError(t, err)
	require.True(t, ed25519.Verify(ed25519.PublicKey(fix.serverKey[:]), msgBytes, progressTx.Signatures[1][:]))

	// The ledger moves: two players score; a forced refresh ranks them.
	rival := solana.NewWallet().PublicKey()
	fix.setPlayer(t, player, 20)
	fix.setPlayer(t, rival, 40)

	rec = get(t, handler, "/leaderboard?refresh=1")
	require.Equal(t, http.StatusOK, rec.Code)
	board := decodeBody[map[string]any](t, rec)
	require.Equal(t, false, board["fromCache"])
	rows := board["data"].([]any)
	require.Len(t, rows, 2)
	top := rows[0].(map[string]any)
	require.Equal(t, rival.String(), top["address"])
	require.Equal(t, float64(1), top["rank"])

	// Within TTL the same ranking is served from cache even though the
	// ledger changed underneath.
	fix.setPlayer(t, player, 100)
	rec = get(t, handler, "/leaderboard")
	board = decodeBody[map[string]any](t, rec)
	require.Equal(t, true, board["fromCache"])
	require.Equal(t, rival.String(), board["data"].([]any)[0].(map[string]any)["address"])

	// After TTL expiry the new scores surface lazily.
	fix.clock.Advance(24*time.Hour + time.Minute)
	rec = get(t, handler, "/leaderboard")
	board = decodeBody[map[string]any](t, rec)
	require.Equal(t, false, board["fromCache"])
	require.Equal(t, player.String(), board["data"].([]any)[0].(map[string]any)["address"])
}
