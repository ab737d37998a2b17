package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kas-network/kas-pool/internal/pow"
	"github.com/kas-network/kas-pool/internal/rpc"
	"github.com/kas-network/kas-pool/internal/util"
)

var (
	// submitRetryDelay is the pause between submit attempts on a
	// transient rejection
	submitRetryDelay = 5 * time.Second

	// submitRetryBudget caps total elapsed retry time for one submission
	submitRetryBudget = 10 * time.Minute
)

// ErrTemplateNotFound is returned when a submission references a pre-PoW
// hash that is no longer cached
var ErrTemplateNotFound = errors.New("template not found")

// BlockInvalidError reports a permanent node-side rejection
type BlockInvalidError struct {
	Reason rpc.RejectReason
}

func (e *BlockInvalidError) Error() string {
	return fmt.Sprintf("block rejected by node: %s", e.Reason)
}

// JobReady announces a freshly minted job
type JobReady struct {
	JobID     string
	Hash      pow.Hash
	Timestamp uint64
}

// Service consumes the node's template stream, maintains the cache and
// registry, and submits solved blocks back to the node.
type Service struct {
	node     rpc.Node
	stream   rpc.TemplateStream
	cache    *Cache
	registry *Registry

	payAddress string
	extraData  string
	daaWindow  int

	jobReady chan JobReady

	// onStuckSubmission is invoked when a submission exhausts its retry
	// budget; used to surface an operator alert metric
	onStuckSubmission func(hash pow.Hash, elapsed time.Duration)
}

// NewService creates a template service
func NewService(node rpc.Node, stream rpc.TemplateStream, payAddress, extraData string, daaWindow int) *Service {
	return &Service{
		node:       node,
		stream:     stream,
		cache:      NewCache(),
		registry:   NewRegistry(),
		payAddress: payAddress,
		extraData:  extraData,
		daaWindow:  daaWindow,
		jobReady:   make(chan JobReady, 64),
	}
}

// Cache exposes the template cache for share validation
func (s *Service) Cache() *Cache {
	return s.cache
}

// Registry exposes the job registry for share validation
func (s *Service) Registry() *Registry {
	return s.registry
}

// Jobs returns the channel of freshly minted jobs
func (s *Service) Jobs() <-chan JobReady {
	return s.jobReady
}

// SetStuckSubmissionHandler installs the retry-budget alert hook
func (s *Service) SetStuckSubmissionHandler(fn func(hash pow.Hash, elapsed time.Duration)) {
	s.onStuckSubmission = fn
}

// Run subscribes to the node's template notifications and ingests
// templates until the context ends. An immediate fetch primes the cache
// so miners get work before the first notification.
func (s *Service) Run(ctx context.Context) error {
	events, err := s.stream.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("template stream subscribe failed: %w", err)
	}

	if err := s.refresh(ctx); err != nil {
		return fmt.Errorf("initial template fetch failed: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-events:
			if !ok {
				return errors.New("template stream closed")
			}
			if err := s.refresh(ctx); err != nil {
				util.Warnf("template refresh failed: %v", err)
			}
		}
	}
}

// refresh fetches the node's current template and mints a job for it
func (s *Service) refresh(ctx context.Context) error {
	block, err := s.node.GetBlockTemplate(ctx, s.payAddress, s.extraData)
	if err != nil {
		return err
	}

	state := pow.NewState(&block.Header)
	hash := state.PrePowHash()

	// Same pre-PoW hash seen twice: nothing new to hand out
	if !s.cache.Insert(hash, &Template{Block: block, Pow: state, ReceivedAt: time.Now()}) {
		util.Debugf("template %s already cached, dropping", hash)
		return nil
	}

	jobID := s.registry.Mint(hash)

	for s.cache.Len() > s.daaWindow {
		if _, ok := s.cache.EvictOldest(); !ok {
			break
		}
		s.registry.ExpireOldest()
	}

	ready := JobReady{JobID: jobID, Hash: hash, Timestamp: block.Header.Timestamp}
	select {
	case s.jobReady <- ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	util.Debugf("new job %s for template %s (daa %d, cached %d)",
		jobID, hash, block.Header.DAAScore, s.cache.Len())
	return nil
}

// Submit sends a solved block to the node. Transient rejections
// (IsInIBD, RouteIsFull) are retried every 5 s within the retry budget;
// a BlockInvalid verdict is returned as *BlockInvalidError. The template
// stays cached until normal DAA-window eviction either way.
func (s *Service) Submit(ctx context.Context, hash pow.Hash, nonce uint64) (string, error) {
	tpl, ok := s.cache.Get(hash)
	if !ok {
		return "", ErrTemplateNotFound
	}

	// Work on a copy so concurrent share validation never sees the
	// mutated nonce
	block := *tpl.Block
	block.Header.Nonce = nonce

	started := time.Now()
	for {
		report, err := s.node.SubmitBlock(ctx, &block, false)
		if err != nil {
			return "", fmt.Errorf("submitBlock failed: %w", err)
		}

		if report.Accepted {
			blockHash := pow.FinalizeBlockHash(&tpl.Block.Header, nonce)
			util.Infof("block %s accepted by node (nonce %016x)", blockHash, nonce)
			return blockHash.String(), nil
		}

		if !report.Reason.Transient() {
			return "", &BlockInvalidError{Reason: report.Reason}
		}

		elapsed := time.Since(started)
		if elapsed+submitRetryDelay > submitRetryBudget {
			if s.onStuckSubmission != nil {
				s.onStuckSubmission(hash, elapsed)
			}
			return "", fmt.Errorf("submission stuck on %s for %s, giving up", report.Reason, elapsed.Round(time.Second))
		}

		util.Warnf("submitBlock rejected with transient %s, retrying in %s", report.Reason, submitRetryDelay)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(submitRetryDelay):
		}
	}
}
