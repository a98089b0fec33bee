// Package store provides crash-safe persistence for the bot's state:
// pending positions, the seen-CID ring, adaptive stats, settled outcomes,
// round metadata, the P&L baseline, the append-only metrics journal and the
// SQLite metrics DB.
//
// JSON files use atomic replacement (write to .tmp, then rename) so a crash
// mid-save never leaves a partial file. Restarting the process reloads
// everything and reproduces open exposure within one reconciler cycle.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"updown-bot/internal/stats"
	"updown-bot/pkg/types"
)

// PendingTrade is the locally tracked entry for a cid: the signal context
// needed to resolve P&L and update learning buckets at settlement.
type PendingTrade struct {
	Position types.Position `json:"position"`
	Score    int            `json:"score"`
	Entry    float64        `json:"entry"`
	Stake    float64        `json:"stake"`
	Tier     string         `json:"tier"`
	Mode     string         `json:"mode"`
	PlacedTs time.Time      `json:"placed_ts"`
}

// SettledOutcome records a finalized cid inside the rolling retention
// window, preventing double-counted wins after a restart.
type SettledOutcome struct {
	CID       string    `json:"cid"`
	Result    string    `json:"result"` // WIN / LOSS
	PnL       float64   `json:"pnl"`
	Credit    float64   `json:"credit"`
	SettledAt time.Time `json:"settled_at"`
}

// Store persists all bot state under one data directory.
type Store struct {
	dir string
	mu  sync.Mutex

	settledTTL time.Duration
	seenCap    int
}

// Open creates a store backed by the given directory.
func Open(dir string, seenCap int, settledTTL time.Duration) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	if seenCap <= 0 {
		seenCap = 4096
	}
	if settledTTL <= 0 {
		settledTTL = 36 * time.Hour
	}
	return &Store{dir: dir, seenCap: seenCap, settledTTL: settledTTL}, nil
}

// writeJSON atomically persists v to name.
func (s *Store) writeJSON(name string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return os.Rename(tmp, path)
}

// readJSON loads name into v; missing files leave v untouched and return
// (false, nil).
func (s *Store) readJSON(name string, v any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", name, err)
	}
	return true, nil
}

// ——— Pending positions (overwrite) ————————————————————————————————————

// SavePending overwrites the pending map.
func (s *Store) SavePending(pending map[string]PendingTrade) error {
	return s.writeJSON("pending.json", pending)
}

// LoadPending restores the pending map (empty when absent).
func (s *Store) LoadPending() (map[string]PendingTrade, error) {
	out := make(map[string]PendingTrade)
	_, err := s.readJSON("pending.json", &out)
	return out, err
}

// ——— Seen CIDs (overwrite, bounded ring) ——————————————————————————————

// SaveSeen overwrites the seen ring, keeping only the newest entries when
// over capacity. The bound trades restart dedup coverage for file size; at
// 4096 entries it spans several days of 4-asset rounds.
func (s *Store) SaveSeen(cids []string) error {
	if len(cids) > s.seenCap {
		cids = cids[len(cids)-s.seenCap:]
	}
	return s.writeJSON("seen.json", cids)
}

// LoadSeen restores the seen ring.
func (s *Store) LoadSeen() ([]string, error) {
	var out []string
	_, err := s.readJSON("seen.json", &out)
	return out, err
}

// ——— Adaptive stats (overwrite) ———————————————————————————————————————

// SaveStats overwrites the serialized stats book.
func (s *Store) SaveStats(st stats.State) error {
	return s.writeJSON("stats.json", st)
}

// LoadStats restores the stats book state.
func (s *Store) LoadStats() (stats.State, bool, error) {
	var st stats.State
	ok, err := s.readJSON("stats.json", &st)
	return st, ok, err
}

// ——— Settled outcomes (overwrite, rolling TTL) ————————————————————————

// SaveSettled overwrites the settled cache, dropping entries past the TTL.
func (s *Store) SaveSettled(settled map[string]SettledOutcome) error {
	cutoff := time.Now().Add(-s.settledTTL)
	for cid, o := range settled {
		if o.SettledAt.Before(cutoff) {
			delete(settled, cid)
		}
	}
	return s.writeJSON("settled.json", settled)
}

// LoadSettled restores the settled cache.
func (s *Store) LoadSettled() (map[string]SettledOutcome, error) {
	out := make(map[string]SettledOutcome)
	_, err := s.readJSON("settled.json", &out)
	return out, err
}

// ——— Round metadata cache (overwrite) —————————————————————————————————

// SaveRoundMeta persists the cid → round cache.
func (s *Store) SaveRoundMeta(rounds map[string]types.Round) error {
	return s.writeJSON("rounds.json", rounds)
}

// LoadRoundMeta restores the round cache.
func (s *Store) LoadRoundMeta() (map[string]types.Round, error) {
	out := make(map[string]types.Round)
	_, err := s.readJSON("rounds.json", &out)
	return out, err
}

// ——— P&L baseline (overwrite) —————————————————————————————————————————

type baselineFile struct {
	Equity   float64   `json:"equity"`
	LockedAt time.Time `json:"locked_at"`
}

// SaveBaseline persists the locked P&L origin.
func (s *Store) SaveBaseline(v float64) error {
	return s.writeJSON("baseline.json", baselineFile{Equity: v, LockedAt: time.Now()})
}

// LoadBaseline restores the baseline; ok is false when never locked.
func (s *Store) LoadBaseline() (float64, bool, error) {
	var b baselineFile
	ok, err := s.readJSON("baseline.json", &b)
	return b.Equity, ok, err
}
