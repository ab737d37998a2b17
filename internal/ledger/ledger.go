// Package ledger is the share accounting core: nonce de-duplication, the
// sliding PPLNS contribution window, and live per-miner statistics.
package ledger

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/kas-network/kas-pool/internal/pow"
	"github.com/kas-network/kas-pool/internal/util"
)

const (
	// hashrateWindow is the trailing window for reported hashrates
	hashrateWindow = 10 * time.Minute

	// workerShareRing bounds how many recent shares are kept per worker
	// for hashrate estimation
	workerShareRing = 100

	// shareHistoryAge is how long pool-wide share timestamps are retained
	// for rate reporting
	shareHistoryAge = 24 * time.Hour
)

// ErrDuplicateShare is returned when a nonce was already accepted against
// the same template
var ErrDuplicateShare = errors.New("duplicate share")

// Contribution is one accepted share in the PPLNS window
type Contribution struct {
	Address    string
	Worker     string
	Difficulty float64
	Timestamp  int64 // unix milliseconds
}

// nonceKey scopes de-duplication to the originating template
type nonceKey struct {
	hash  pow.Hash
	nonce uint64
}

type workerStats struct {
	sharesCount uint64
	lastActive  int64
	// recent is a ring of (difficulty, timestamp ms) pairs
	recentDiff []float64
	recentTS   []int64
}

type minerStats struct {
	sharesCount uint64
	accumDiff   float64
	lastActive  int64
	workers     map[string]*workerStats
}

// WorkerSnapshot is a read-only view of one worker's live stats
type WorkerSnapshot struct {
	Name        string  `json:"name"`
	SharesCount uint64  `json:"shares"`
	Hashrate    float64 `json:"hashrate"`
	LastActive  int64   `json:"last_active"`
}

// MinerSnapshot is a read-only view of one miner's live stats
type MinerSnapshot struct {
	Address     string           `json:"address"`
	SharesCount uint64           `json:"shares"`
	Hashrate    float64          `json:"hashrate"`
	LastActive  int64            `json:"last_active"`
	Workers     []WorkerSnapshot `json:"workers"`
}

// Ledger tracks accepted shares. All mutation happens on the share-submit
// path under one mutex; readers get copies.
type Ledger struct {
	mu sync.Mutex

	windowSize int
	window     []Contribution
	seen       map[nonceKey]struct{}
	miners     map[string]*minerStats

	// shareTimes holds accept timestamps (ms) for 24h rate reporting
	shareTimes []int64

	startedAt time.Time
	accumDiff float64 // lifetime accepted difficulty, for uptime hashrate
}

// New creates a ledger with the given PPLNS window size
func New(windowSize int) *Ledger {
	return &Ledger{
		windowSize: windowSize,
		seen:       make(map[nonceKey]struct{}),
		miners:     make(map[string]*minerStats),
		startedAt:  time.Now(),
	}
}

// Seen reports whether the nonce was already accepted for the template
func (l *Ledger) Seen(hash pow.Hash, nonce uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[nonceKey{hash, nonce}]
	return ok
}

// Admit records an accepted share: marks the nonce seen, appends the
// contribution to the PPLNS window, and updates live stats. Returns
// ErrDuplicateShare if the nonce lost a race since the caller's Seen
// check.
func (l *Ledger) Admit(hash pow.Hash, nonce uint64, c Contribution) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := nonceKey{hash, nonce}
	if _, ok := l.seen[key]; ok {
		return ErrDuplicateShare
	}
	l.seen[key] = struct{}{}

	l.window = append(l.window, c)
	if len(l.window) > l.windowSize {
		// Oldest first; timestamps are appended in accept order so the
		// head is the oldest entry
		l.window = l.window[1:]
	}

	l.shareTimes = append(l.shareTimes, c.Timestamp)
	l.accumDiff += c.Difficulty

	m := l.miners[c.Address]
	if m == nil {
		m = &minerStats{workers: make(map[string]*workerStats)}
		l.miners[c.Address] = m
	}
	m.sharesCount++
	m.accumDiff += c.Difficulty
	m.lastActive = c.Timestamp

	w := m.workers[c.Worker]
	if w == nil {
		w = &workerStats{}
		m.workers[c.Worker] = w
	}
	w.sharesCount++
	w.lastActive = c.Timestamp
	w.recentDiff = append(w.recentDiff, c.Difficulty)
	w.recentTS = append(w.recentTS, c.Timestamp)
	if len(w.recentDiff) > workerShareRing {
		w.recentDiff = w.recentDiff[1:]
		w.recentTS = w.recentTS[1:]
	}

	return nil
}

// WindowLen returns the current PPLNS window size
func (l *Ledger) WindowLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.window)
}

// SnapshotWindow returns a copy of the live PPLNS window, oldest first.
// The window itself is untouched: PPLNS keeps accruing across block hits.
func (l *Ledger) SnapshotWindow() []Contribution {
	l.mu.Lock()
	defer l.mu.Unlock()

	snapshot := make([]Contribution, len(l.window))
	copy(snapshot, l.window)
	return snapshot
}

// workerHashrate estimates a worker's hashrate from its recent shares
// over the trailing window. Caller holds l.mu.
func workerHashrate(w *workerStats, nowMS int64) float64 {
	cutoff := nowMS - hashrateWindow.Milliseconds()
	var total float64
	for i, ts := range w.recentTS {
		if ts >= cutoff {
			total += w.recentDiff[i]
		}
	}
	return util.HashrateFromDifficulty(total, hashrateWindow.Seconds())
}

// MinerHashrate returns the miner's estimated hashrate
func (l *Ledger) MinerHashrate(address string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	m := l.miners[address]
	if m == nil {
		return 0
	}
	nowMS := time.Now().UnixMilli()
	var total float64
	for _, w := range m.workers {
		total += workerHashrate(w, nowMS)
	}
	return total
}

// PoolHashrate returns the summed hashrate of all live miners
func (l *Ledger) PoolHashrate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	nowMS := time.Now().UnixMilli()
	var total float64
	for _, m := range l.miners {
		for _, w := range m.workers {
			total += workerHashrate(w, nowMS)
		}
	}
	return total
}

// UptimeHashrate returns the lifetime average hashrate since start
func (l *Ledger) UptimeHashrate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	uptime := time.Since(l.startedAt).Seconds()
	return util.HashrateFromDifficulty(l.accumDiff, uptime)
}

// Miner returns a snapshot of one miner's live stats, or nil if unknown
func (l *Ledger) Miner(address string) *MinerSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	m := l.miners[address]
	if m == nil {
		return nil
	}
	return l.snapshotMiner(address, m)
}

// Miners returns snapshots for all live miners, sorted by address
func (l *Ledger) Miners() []MinerSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]MinerSnapshot, 0, len(l.miners))
	for addr, m := range l.miners {
		out = append(out, *l.snapshotMiner(addr, m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// snapshotMiner builds a snapshot. Caller holds l.mu.
func (l *Ledger) snapshotMiner(address string, m *minerStats) *MinerSnapshot {
	nowMS := time.Now().UnixMilli()

	snap := &MinerSnapshot{
		Address:     address,
		SharesCount: m.sharesCount,
		LastActive:  m.lastActive,
	}
	for name, w := range m.workers {
		hr := workerHashrate(w, nowMS)
		snap.Hashrate += hr
		snap.Workers = append(snap.Workers, WorkerSnapshot{
			Name:        name,
			SharesCount: w.sharesCount,
			Hashrate:    hr,
			LastActive:  w.lastActive,
		})
	}
	sort.Slice(snap.Workers, func(i, j int) bool { return snap.Workers[i].Name < snap.Workers[j].Name })
	return snap
}

// SharesLastDay returns how many shares were accepted in the last 24h
func (l *Ledger) SharesLastDay() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-shareHistoryAge).UnixMilli()
	n := sort.Search(len(l.shareTimes), func(i int) bool { return l.shareTimes[i] >= cutoff })
	return len(l.shareTimes) - n
}

// Prune drops idle miner stats, expired share history, and nonce entries
// whose template is gone. live reports whether a template is still cached.
func (l *Ledger) Prune(maxIdle time.Duration, live func(pow.Hash) bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	nowMS := time.Now().UnixMilli()
	idleCutoff := nowMS - maxIdle.Milliseconds()
	for addr, m := range l.miners {
		if m.lastActive < idleCutoff {
			delete(l.miners, addr)
		}
	}

	historyCutoff := nowMS - shareHistoryAge.Milliseconds()
	n := sort.Search(len(l.shareTimes), func(i int) bool { return l.shareTimes[i] >= historyCutoff })
	if n > 0 {
		l.shareTimes = append([]int64(nil), l.shareTimes[n:]...)
	}

	if live != nil {
		for key := range l.seen {
			if !live(key.hash) {
				delete(l.seen, key)
			}
		}
	}
}
