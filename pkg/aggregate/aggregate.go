// Package aggregate maintains cached read views over the contest program's
// accounts: the latest contest and its leaderboard. Views are recomputed
// from a full program-account scan and held under a fixed TTL with lazy
// expiry; there is no background revalidation.
package aggregate

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/jonboulle/clockwork"

	"github.com/turbodash/backend/pkg/metrics"
	"github.com/turbodash/backend/pkg/program"
)

// ErrNoContest means the program has no contest accounts yet.
var ErrNoContest = errors.New("no contest found")

const (
	defaultContestTTL     = 5 * time.Minute
	defaultLeaderboardTTL = 24 * time.Hour

	// PlayerState layout: discriminator(8) + owner(32) + contestID(8).
	playerStateContestIDOffset = 40
)

// ContestStatus is derived from the contest window against the clock.
type ContestStatus string

const (
	StatusUpcoming ContestStatus = "upcoming"
	StatusActive   ContestStatus = "active"
	StatusEnded    ContestStatus = "ended"
)

// ContestSnapshot is the cached view of one contest account.
type ContestSnapshot struct {
	ID                uint64           `json:"id"`
	Address           solana.PublicKey `json:"address"`
	Creator           solana.PublicKey `json:"creator"`
	StartTime         int64            `json:"startTime"`
	EndTime           int64            `json:"endTime"`
	PrizePool         uint64           `json:"prizePool"`
	HighestScore      uint64           `json:"highestScore"`
	Leader            solana.PublicKey `json:"leader"`
	TotalParticipants uint64           `json:"totalParticipants"`
	Status            ContestStatus    `json:"status"`
}

// LeaderboardEntry is one ranked player row.
type LeaderboardEntry struct {
	Address solana.PublicKey `json:"address"`
	Score   uint64           `json:"score"`
	Rank    int              `json:"rank"`
}

// RPC is the slice of the Solana RPC client the cache needs.
type RPC interface {
	GetProgramAccountsWithOpts(ctx context.Context, publicKey solana.PublicKey, opts *rpc.GetProgramAccountsOpts) (rpc.GetProgramAccountsResult, error)
}

type Config struct {
	Logger *slog.Logger
	RPC    RPC

	ProgramID solana.PublicKey

	ContestTTL     time.Duration
	LeaderboardTTL time.Duration

	Clock clockwork.Clock
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.RPC == nil {
		return fmt.Errorf("rpc client is required")
	}
	if c.ProgramID.IsZero() {
		c.ProgramID = program.DefaultProgramID
	}
	if c.ContestTTL <= 0 {
		c.ContestTTL = defaultContestTTL
	}
	if c.LeaderboardTTL <= 0 {
		c.LeaderboardTTL = defaultLeaderboardTTL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

type contestEntry struct {
	snapshot  *ContestSnapshot
	fetchedAt time.Time
}

type leaderboardEntry struct {
	rows      []LeaderboardEntry
	fetchedAt time.Time
}

// Cache serves the contest and leaderboard views.
type Cache struct {
	cfg *Config

	mu           sync.Mutex
	contest      *contestEntry
	leaderboards map[uint64]*leaderboardEntry
}

func NewCache(cfg *Config) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &Cache{
		cfg:          cfg,
		leaderboards: make(map[uint64]*leaderboardEntry),
	}, nil
}

// Contest returns the latest contest, from cache when the entry is still
// inside its TTL and force is false.
func (c *Cache) Contest(ctx context.Context, force bool) (*ContestSnapshot, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.Clock.Now()
	if !force && c.contest != nil && now.Sub(c.contest.fetchedAt) < c.cfg.ContestTTL {
		metrics.RecordCacheRead("contest", true, false)
		return c.contest.snapshot, true, nil
	}
	metrics.RecordCacheRead("contest", false, force)

	snapshot, err := c.fetchLatestContest(ctx, now)
	if err != nil {
		return nil, false, err
	}
	c.contest = &contestEntry{snapshot: snapshot, fetchedAt: now}
	return snapshot, false, nil
}

// Leaderboard returns the ranked rows for one contest, from cache within
// TTL unless force is set. Entries are whole-value replaced per contest id.
func (c *Cache) Leaderboard(ctx context.Context, contestID uint64, force bool) ([]LeaderboardEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.Clock.Now()
	if entry, ok := c.leaderboards[contestID]; ok && !force && now.Sub(entry.fetchedAt) < c.cfg.LeaderboardTTL {
		metrics.RecordCacheRead("leaderboard", true, false)
		return entry.rows, true, nil
	}
	metrics.RecordCacheRead("leaderboard", false, force)

	rows, err := c.fetchLeaderboard(ctx, contestID)
	if err != nil {
		return nil, false, err
	}
	c.leaderboards[contestID] = &leaderboardEntry{rows: rows, fetchedAt: now}
	return rows, false, nil
}

// Warm primes both views so the first requests after startup hit cache.
func (c *Cache) Warm(ctx context.Context) error {
	contest, _, err := c.Contest(ctx, true)
	if err != nil {
		if errors.Is(err, ErrNoContest) {
			c.cfg.Logger.Info("aggregate: nothing to warm, no contest yet")
			return nil
		}
		return fmt.Errorf("warm contest view: %w", err)
	}

	if _, _, err := c.Leaderboard(ctx, contest.ID, true); err != nil {
		return fmt.Errorf("warm leaderboard view: %w", err)
	}

	c.cfg.Logger.Info("aggregate: cache warmed", "contestID", contest.ID)
	return nil
}

func (c *Cache) fetchLatestContest(ctx context.Context, now time.Time) (*ContestSnapshot, error) {
	start := time.Now()
	out, err := c.cfg.RPC.GetProgramAccountsWithOpts(ctx, c.cfg.ProgramID, &rpc.GetProgramAccountsOpts{
		Commitment: rpc.CommitmentConfirmed,
		Encoding:   solana.EncodingBase64,
		Filters: []rpc.RPCFilter{
			{Memcmp: &rpc.RPCFilterMemcmp{Offset: 0, Bytes: solana.Base58(program.Account_ContestState[:])}},
		},
	})
	metrics.RecordRPCRequest("getProgramAccounts", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("list contest accounts: %w", err)
	}

	var (
		latest     *program.ContestState
		latestAddr solana.PublicKey
	)
	for _, item := range out {
		state, err := program.ParseContestState(item.Account.Data.GetBinary())
		if err != nil {
			c.cfg.Logger.Warn("aggregate: skipping undecodable contest account",
				"account", item.Pubkey.String(), "error", err)
			continue
		}
		if latest == nil || state.ID > latest.ID {
			latest = state
			latestAddr = item.Pubkey
		}
	}
	if latest == nil {
		return nil, ErrNoContest
	}

	return &ContestSnapshot{
		ID:                latest.ID,
		Address:           latestAddr,
		Creator:           latest.Creator,
		StartTime:         latest.StartTime,
		EndTime:           latest.EndTime,
		PrizePool:         latest.PrizePool,
		HighestScore:      latest.HighestScore,
		Leader:            latest.Leader,
		TotalParticipants: latest.TotalParticipants,
		Status:            statusAt(latest.StartTime, latest.EndTime, now),
	}, nil
}

func (c *Cache) fetchLeaderboard(ctx context.Context, contestID uint64) ([]LeaderboardEntry, error) {
	var idBytes [8]byte
	binary.LittleEndian.PutUint64(idBytes[:], contestID)

	start := time.Now()
	out, err := c.cfg.RPC.GetProgramAccountsWithOpts(ctx, c.cfg.ProgramID, &rpc.GetProgramAccountsOpts{
		Commitment: rpc.CommitmentConfirmed,
		Encoding:   solana.EncodingBase64,
		Filters: []rpc.RPCFilter{
			{Memcmp: &rpc.RPCFilterMemcmp{Offset: 0, Bytes: solana.Base58(program.Account_PlayerState[:])}},
			{Memcmp: &rpc.RPCFilterMemcmp{Offset: playerStateContestIDOffset, Bytes: solana.Base58(idBytes[:])}},
		},
	})
	metrics.RecordRPCRequest("getProgramAccounts", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("list player accounts: %w", err)
	}

	rows := make([]LeaderboardEntry, 0, len(out))
	for _, item := range out {
		state, err := program.ParsePlayerState(item.Account.Data.GetBinary())
		if err != nil {
			c.cfg.Logger.Warn("aggregate: skipping undecodable player account",
				"account", item.Pubkey.String(), "error", err)
			continue
		}
		rows = append(rows, LeaderboardEntry{Address: state.Owner, Score: state.CurrentScore})
	}

	// Score descending, address as a stable tie break. Equal scores share
	// a rank.
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Score != rows[j].Score {
			return rows[i].Score > rows[j].Score
		}
		return rows[i].Address.String() < rows[j].Address.String()
	})
	for i := range rows {
		if i > 0 && rows[i].Score == rows[i-1].Score {
			rows[i].Rank = rows[i-1].Rank
			continue
		}
		rows[i].Rank = i + 1
	}
	return rows, nil
}

func statusAt(startTime, endTime int64, now time.Time) ContestStatus {
	switch unix := now.Unix(); {
	case unix < startTime:
		return StatusUpcoming
	case unix > endTime:
		return StatusEnded
	default:
		return StatusActive
	}
}
