// journal.go is the append-only JSONL metrics journal. Every significant
// lifecycle step (ENTRY, FILL, RESOLVE, QUEUE_REDEEM, …) appends one line;
// replaying the file through the stats aggregator reproduces the same
// counters as live accrual.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// JournalEvent is one journal line. Fields are a superset across event
// kinds; zero values are omitted.
type JournalEvent struct {
	Ts            time.Time `json:"ts"`
	Event         string    `json:"event"` // ENTRY, FILL, PARTIAL, NOFILL, RESOLVE, RESOLVE-BACKFILL, QUEUE_REDEEM, LOOP_RESTART
	CID           string    `json:"cid,omitempty"`
	Asset         string    `json:"asset,omitempty"`
	Side          string    `json:"side,omitempty"`
	Duration      int       `json:"duration,omitempty"`
	Score         int       `json:"score,omitempty"`
	EntryPrice    float64   `json:"entry_price,omitempty"`
	Size          float64   `json:"size,omitempty"`
	FillPrice     float64   `json:"fill_price,omitempty"`
	FilledSize    float64   `json:"filled_size,omitempty"`
	SlipBps       float64   `json:"slip_bps,omitempty"`
	LatencyMS     float64   `json:"latency_ms,omitempty"`
	Mode          string    `json:"mode,omitempty"`
	Tier          string    `json:"tier,omitempty"`
	PnL           float64   `json:"pnl,omitempty"`
	Result        string    `json:"result,omitempty"` // WIN / LOSS
	Credit        float64   `json:"credit,omitempty"`
	RoundKey      string    `json:"round_key,omitempty"`
	OpenPriceSrc  string    `json:"open_price_source,omitempty"`
	OracleAgeS    float64   `json:"chainlink_age_s,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	TxHash        string    `json:"tx_hash,omitempty"`
	LoopName      string    `json:"loop,omitempty"`
	Restarts      int       `json:"restarts,omitempty"`
	ExecutionEV   float64   `json:"execution_ev,omitempty"`
	TrueProb      float64   `json:"true_prob,omitempty"`
	Quality       float64   `json:"analysis_quality,omitempty"`
}

// Journal is an append-only JSONL writer.
type Journal struct {
	f  *os.File
	mu sync.Mutex
}

// OpenJournal opens (or creates) the journal file in append mode.
func OpenJournal(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{f: f}, nil
}

// Append writes one event as a single line and syncs.
func (j *Journal) Append(ev JournalEvent) error {
	if ev.Ts.IsZero() {
		ev.Ts = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal journal event: %w", err)
	}
	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.f.Write(data); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	return j.f.Sync()
}

// Close flushes and closes the file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

// ReplayJournal streams every event in the file, oldest first. Used to
// rebuild aggregates and to verify replay/live equivalence.
func ReplayJournal(path string, fn func(JournalEvent) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev JournalEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue // tolerate a torn tail line from a crash
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return sc.Err()
}
