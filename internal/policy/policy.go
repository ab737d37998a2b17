// Package policy enforces per-IP connection and share-quality limits for
// the miner-facing server.
package policy

import (
	"sync"
	"time"

	"github.com/kas-network/kas-pool/internal/config"
	"github.com/kas-network/kas-pool/internal/util"
)

const (
	// malformedLimit is how many malformed requests an IP may send
	// before it is banned
	malformedLimit = 5

	// resetInterval is how often per-IP counters are swept
	resetInterval = 1 * time.Hour

	// shareRateWindow is the rolling window for the per-IP share-rate
	// limit
	shareRateWindow = 1 * time.Minute

	// shareRateBan is how long a share-flooding IP is kept out
	shareRateBan = 5 * time.Minute
)

// ipStats tracks one IP's behavior
type ipStats struct {
	connections   int
	validShares   int
	invalidShares int
	malformed     int

	// share-rate window
	shareCount       int
	shareWindowStart time.Time

	bannedUntil time.Time
	lastSeen    time.Time
}

// Server tracks per-IP behavior and bans abusers
type Server struct {
	maxConnectionsPerIP int
	banThreshold        int
	banDuration         time.Duration
	rateLimitShares     int

	mu    sync.Mutex
	stats map[string]*ipStats

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewServer creates a policy server from the security config
func NewServer(cfg *config.SecurityConfig) *Server {
	return &Server{
		maxConnectionsPerIP: cfg.MaxConnectionsPerIP,
		banThreshold:        cfg.BanThreshold,
		banDuration:         cfg.BanDuration,
		rateLimitShares:     cfg.RateLimitShares,
		stats:               make(map[string]*ipStats),
		quit:                make(chan struct{}),
	}
}

// Start begins the background sweep loop
func (p *Server) Start() {
	p.wg.Add(1)
	go p.sweepLoop()
	util.Info("Policy server started")
}

// Stop shuts the policy server down
func (p *Server) Stop() {
	close(p.quit)
	p.wg.Wait()
	util.Info("Policy server stopped")
}

func (p *Server) sweepLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(resetInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.quit:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep drops stale entries and resets share counters
func (p *Server) sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for ip, st := range p.stats {
		if st.connections == 0 && now.Sub(st.lastSeen) > resetInterval && now.After(st.bannedUntil) {
			delete(p.stats, ip)
			continue
		}
		st.validShares = 0
		st.invalidShares = 0
		st.malformed = 0
	}
}

// get returns the stats entry for an IP, creating it if needed.
// Caller holds p.mu.
func (p *Server) get(ip string) *ipStats {
	st := p.stats[ip]
	if st == nil {
		st = &ipStats{}
		p.stats[ip] = st
	}
	st.lastSeen = time.Now()
	return st
}

// IsBanned reports whether the IP is currently banned
func (p *Server) IsBanned(ip string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.stats[ip]
	return st != nil && time.Now().Before(st.bannedUntil)
}

// BanIP bans the IP for the configured duration
func (p *Server) BanIP(ip string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.get(ip)
	st.bannedUntil = time.Now().Add(p.banDuration)
	util.Warnf("banned %s for %s", ip, p.banDuration)
}

// AllowConnection admits a new connection unless the IP exceeds its
// concurrent connection allowance
func (p *Server) AllowConnection(ip string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.get(ip)
	if p.maxConnectionsPerIP > 0 && st.connections >= p.maxConnectionsPerIP {
		return false
	}
	st.connections++
	return true
}

// ReleaseConnection records a closed connection
func (p *Server) ReleaseConnection(ip string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if st := p.stats[ip]; st != nil && st.connections > 0 {
		st.connections--
	}
}

// RecordMalformed counts a malformed request; the IP is banned once it
// crosses the limit
func (p *Server) RecordMalformed(ip string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.get(ip)
	st.malformed++
	if st.malformed >= malformedLimit {
		st.bannedUntil = time.Now().Add(p.banDuration)
		util.Warnf("banned %s for repeated malformed requests", ip)
	}
}

// RecordShare counts a share outcome. Returns false when the IP crosses
// either the invalid-share ban threshold or the per-minute share-rate
// limit, meaning the caller should drop the session.
func (p *Server) RecordShare(ip string, valid bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.get(ip)

	now := time.Now()
	if now.Sub(st.shareWindowStart) > shareRateWindow {
		st.shareWindowStart = now
		st.shareCount = 0
	}
	st.shareCount++
	if p.rateLimitShares > 0 && st.shareCount > p.rateLimitShares {
		st.bannedUntil = now.Add(shareRateBan)
		util.Warnf("banned %s for share flooding (%d shares in %s)", ip, st.shareCount, shareRateWindow)
		return false
	}

	if valid {
		st.validShares++
		return true
	}

	st.invalidShares++
	if p.banThreshold > 0 && st.invalidShares >= p.banThreshold {
		st.bannedUntil = time.Now().Add(p.banDuration)
		util.Warnf("banned %s for invalid share count %d", ip, st.invalidShares)
		return false
	}
	return true
}
