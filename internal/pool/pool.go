// Package pool wires the template service, stratum server, share ledger,
// and block account together and owns the background tickers.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/kas-network/kas-pool/internal/account"
	"github.com/kas-network/kas-pool/internal/config"
	"github.com/kas-network/kas-pool/internal/jobs"
	"github.com/kas-network/kas-pool/internal/ledger"
	"github.com/kas-network/kas-pool/internal/newrelic"
	"github.com/kas-network/kas-pool/internal/pow"
	"github.com/kas-network/kas-pool/internal/storage"
	"github.com/kas-network/kas-pool/internal/stratum"
	"github.com/kas-network/kas-pool/internal/util"
)

const (
	// cleanupInterval drives the stats/record pruning ticker
	cleanupInterval = 60 * time.Second

	// hashrateInterval drives the persistent hashrate snapshot ticker
	hashrateInterval = 60 * time.Second

	// minerIdleCutoff is how long a miner may be silent before its live
	// stats are dropped
	minerIdleCutoff = 1 * time.Hour

	// blockRecordRetention is how long terminal block records are kept
	blockRecordRetention = 48 * time.Hour
)

// Pool is the orchestrator
type Pool struct {
	cfg       *config.Config
	templates *jobs.Service
	stratum   *stratum.Server
	ledger    *ledger.Ledger
	account   *account.Account
	redis     *storage.RedisClient
	agent     *newrelic.Agent

	maturity chan account.MaturityEvent

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the orchestrator
func New(cfg *config.Config, templates *jobs.Service, stratumServer *stratum.Server, shareLedger *ledger.Ledger, blockAccount *account.Account, redis *storage.RedisClient, agent *newrelic.Agent) *Pool {
	p := &Pool{
		cfg:       cfg,
		templates: templates,
		stratum:   stratumServer,
		ledger:    shareLedger,
		account:   blockAccount,
		redis:     redis,
		agent:     agent,
		maturity:  make(chan account.MaturityEvent, 64),
	}

	// Acceptance path: snapshot the PPLNS window synchronously, before
	// the submit path returns and any later share can be admitted
	stratumServer.SetBlockAcceptedHandler(func(blockHash string, finder ledger.Contribution) {
		snapshot := shareLedger.SnapshotWindow()
		blockAccount.OnBlockAccepted(blockHash, snapshot, finder)
		if agent != nil {
			agent.RecordBlockFound(blockHash, finder.Address)
		}
	})

	templates.SetStuckSubmissionHandler(func(hash pow.Hash, elapsed time.Duration) {
		if agent != nil {
			agent.RecordStuckSubmission(hash.String(), elapsed)
		}
	})

	return p
}

// Maturity returns the channel the UTXO processor feeds coinbase
// maturity events into
func (p *Pool) Maturity() chan<- account.MaturityEvent {
	return p.maturity
}

// Start launches the template service, the fan-out bridge, and the
// background tickers. The returned error reflects the initial template
// fetch: a dead node is a startup failure.
func (p *Pool) Start(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	p.cancel = cancel

	// The template service's Run returns an error on subscribe/first
	// fetch; surface that synchronously so startup can abort
	firstErr := make(chan error, 1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		err := p.templates.Run(ctx)
		select {
		case firstErr <- err:
		default:
		}
		if err != nil && ctx.Err() == nil {
			util.Errorf("template service exited: %v", err)
		}
	}()

	select {
	case err := <-firstErr:
		if err != nil && ctx.Err() == nil {
			cancel()
			return err
		}
	case <-time.After(200 * time.Millisecond):
		// Still running: subscription and initial fetch succeeded or are
		// in flight; failures from here on are logged, not fatal
	}

	p.wg.Add(1)
	go p.broadcastLoop(ctx)

	p.wg.Add(1)
	go p.maturityLoop(ctx)

	p.wg.Add(1)
	go p.cleanupLoop(ctx)

	p.wg.Add(1)
	go p.hashrateLoop(ctx)

	util.Info("Pool orchestrator started")
	return nil
}

// Stop shuts the orchestrator down
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	util.Info("Pool orchestrator stopped")
}

// broadcastLoop fans freshly minted jobs out to the stratum sessions
func (p *Pool) broadcastLoop(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.templates.Jobs():
			p.stratum.Broadcast(job)
		}
	}
}

// maturityLoop routes coinbase maturity events into the block account
func (p *Pool) maturityLoop(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.maturity:
			if err := p.account.OnCoinbaseMatured(ctx, ev); err != nil {
				util.Warnf("maturity processing failed for %s: %v", ev.BlockHash, err)
			}
		}
	}
}

// cleanupLoop prunes idle stats, expired share history, stale nonces, and
// terminal block records
func (p *Pool) cleanupLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ledger.Prune(minerIdleCutoff, p.templates.Cache().Contains)
			p.account.PruneRecords(blockRecordRetention)
		}
	}
}

// hashrateLoop persists pool hashrate samples for the read API
func (p *Pool) hashrateLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(hashrateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hashrate := p.ledger.PoolHashrate()
			if err := p.redis.RecordHashrate(hashrate); err != nil {
				util.Warnf("failed to persist hashrate sample: %v", err)
			}
			if p.agent != nil {
				p.agent.RecordPoolHashrate(hashrate)
			}
		}
	}
}
