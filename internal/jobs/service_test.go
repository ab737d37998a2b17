package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kas-network/kas-pool/internal/pow"
	"github.com/kas-network/kas-pool/internal/rpc"
)

// fakeNode scripts template and submit responses
type fakeNode struct {
	mu        sync.Mutex
	templates []*rpc.Block
	tplIdx    int
	verdicts  []rpc.SubmitReport
	submits   int
}

func (n *fakeNode) GetBlockTemplate(ctx context.Context, payAddress, extraData string) (*rpc.Block, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.templates) == 0 {
		return nil, errors.New("no template scripted")
	}
	tpl := n.templates[n.tplIdx]
	if n.tplIdx < len(n.templates)-1 {
		n.tplIdx++
	}
	return tpl, nil
}

func (n *fakeNode) SubmitBlock(ctx context.Context, block *rpc.Block, allowNonDAABlocks bool) (*rpc.SubmitReport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.submits >= len(n.verdicts) {
		return nil, errors.New("no verdict scripted")
	}
	report := n.verdicts[n.submits]
	n.submits++
	return &report, nil
}

func (n *fakeNode) GetCurrentBlockColor(ctx context.Context, blockHash string) (bool, error) {
	return true, nil
}

func (n *fakeNode) GetFeeEstimate(ctx context.Context) (float64, error) {
	return 1, nil
}

func (n *fakeNode) submitCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.submits
}

// fakeStream hands out a caller-controlled event channel
type fakeStream struct {
	events chan struct{}
}

func (s *fakeStream) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	return s.events, nil
}

func (s *fakeStream) Close() error { return nil }

func testBlock(daaScore uint64) *rpc.Block {
	return &rpc.Block{
		Header: rpc.BlockHeader{
			Version:              1,
			Parents:              [][]string{{"3e8f2b9a7c1d4e5f3e8f2b9a7c1d4e5f3e8f2b9a7c1d4e5f3e8f2b9a7c1d4e5f"}},
			HashMerkleRoot:       fmt.Sprintf("%064x", daaScore),
			AcceptedIDMerkleRoot: "bb11223344556677bb11223344556677bb11223344556677bb11223344556677",
			UTXOCommitment:       "cc11223344556677cc11223344556677cc11223344556677cc11223344556677",
			Timestamp:            1722500000000 + daaScore,
			Bits:                 0x1d00ffff,
			DAAScore:             daaScore,
			BlueScore:            daaScore - 100,
			BlueWork:             "1a2b3c4d5e6f",
			PruningPoint:         "dd11223344556677dd11223344556677dd11223344556677dd11223344556677",
		},
	}
}

func startService(t *testing.T, node *fakeNode, daaWindow int) (*Service, *fakeStream, context.CancelFunc) {
	t.Helper()

	stream := &fakeStream{events: make(chan struct{}, 8)}
	svc := NewService(node, stream, "kaspa:qrtreasury", "kas-pool", daaWindow)

	ctx, cancel := context.WithCancel(context.Background())
	go svc.Run(ctx)
	return svc, stream, cancel
}

func waitForJob(t *testing.T, svc *Service) JobReady {
	t.Helper()
	select {
	case job := <-svc.Jobs():
		return job
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for job")
		return JobReady{}
	}
}

func TestServiceIngestAndDedup(t *testing.T) {
	node := &fakeNode{templates: []*rpc.Block{testBlock(100)}}
	svc, stream, cancel := startService(t, node, 10)
	defer cancel()

	job := waitForJob(t, svc)
	if job.JobID == "" {
		t.Fatal("job ID must not be empty")
	}
	if job.Timestamp != testBlock(100).Header.Timestamp {
		t.Errorf("job timestamp = %d", job.Timestamp)
	}

	if svc.Cache().Len() != 1 || svc.Registry().Len() != 1 {
		t.Fatalf("cache/registry = %d/%d, want 1/1", svc.Cache().Len(), svc.Registry().Len())
	}

	// Same template again: ingest is idempotent, no new job
	stream.events <- struct{}{}
	select {
	case job := <-svc.Jobs():
		t.Fatalf("duplicate template minted job %s", job.JobID)
	case <-time.After(200 * time.Millisecond):
	}
	if svc.Cache().Len() != 1 {
		t.Errorf("cache grew on duplicate template: %d", svc.Cache().Len())
	}
}

func TestServiceEvictionLockstep(t *testing.T) {
	node := &fakeNode{templates: []*rpc.Block{testBlock(100), testBlock(101), testBlock(102)}}
	svc, stream, cancel := startService(t, node, 2)
	defer cancel()

	first := waitForJob(t, svc)

	stream.events <- struct{}{}
	waitForJob(t, svc)

	stream.events <- struct{}{}
	waitForJob(t, svc)

	if svc.Cache().Len() != 2 {
		t.Errorf("cache len = %d, want DAA window 2", svc.Cache().Len())
	}
	if svc.Registry().Len() != svc.Cache().Len() {
		t.Errorf("registry len %d != cache len %d", svc.Registry().Len(), svc.Cache().Len())
	}
	if _, ok := svc.Registry().Lookup(first.JobID); ok {
		t.Error("oldest job should have expired with its template")
	}
	if svc.Cache().Contains(first.Hash) {
		t.Error("oldest template should have been evicted")
	}
}

func TestSubmitRetriesTransient(t *testing.T) {
	oldDelay, oldBudget := submitRetryDelay, submitRetryBudget
	submitRetryDelay, submitRetryBudget = 10*time.Millisecond, time.Second
	defer func() { submitRetryDelay, submitRetryBudget = oldDelay, oldBudget }()

	node := &fakeNode{
		templates: []*rpc.Block{testBlock(100)},
		verdicts: []rpc.SubmitReport{
			{Accepted: false, Reason: rpc.RejectIsInIBD},
			{Accepted: true},
		},
	}
	svc, _, cancel := startService(t, node, 10)
	defer cancel()

	job := waitForJob(t, svc)

	blockHash, err := svc.Submit(context.Background(), job.Hash, 7)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(blockHash) != 64 {
		t.Errorf("block hash = %q", blockHash)
	}
	if node.submitCount() != 2 {
		t.Errorf("submit attempts = %d, want 2", node.submitCount())
	}
}

func TestSubmitBlockInvalid(t *testing.T) {
	node := &fakeNode{
		templates: []*rpc.Block{testBlock(100)},
		verdicts:  []rpc.SubmitReport{{Accepted: false, Reason: rpc.RejectBlockInvalid}},
	}
	svc, _, cancel := startService(t, node, 10)
	defer cancel()

	job := waitForJob(t, svc)

	_, err := svc.Submit(context.Background(), job.Hash, 7)
	var invalid *BlockInvalidError
	if !errors.As(err, &invalid) {
		t.Fatalf("Submit error = %v, want BlockInvalidError", err)
	}
	if invalid.Reason != rpc.RejectBlockInvalid {
		t.Errorf("reason = %s", invalid.Reason)
	}

	// The template survives a permanent rejection until normal eviction
	if !svc.Cache().Contains(job.Hash) {
		t.Error("template must not be evicted on BlockInvalid")
	}
}

func TestSubmitUnknownTemplate(t *testing.T) {
	node := &fakeNode{templates: []*rpc.Block{testBlock(100)}}
	svc, _, cancel := startService(t, node, 10)
	defer cancel()
	waitForJob(t, svc)

	var unknown pow.Hash
	unknown[0] = 0xee
	if _, err := svc.Submit(context.Background(), unknown, 7); !errors.Is(err, ErrTemplateNotFound) {
		t.Errorf("Submit = %v, want ErrTemplateNotFound", err)
	}
}

func TestSubmitStuckBudget(t *testing.T) {
	oldDelay, oldBudget := submitRetryDelay, submitRetryBudget
	submitRetryDelay, submitRetryBudget = 10*time.Millisecond, 25*time.Millisecond
	defer func() { submitRetryDelay, submitRetryBudget = oldDelay, oldBudget }()

	verdicts := make([]rpc.SubmitReport, 100)
	for i := range verdicts {
		verdicts[i] = rpc.SubmitReport{Accepted: false, Reason: rpc.RejectRouteIsFull}
	}
	node := &fakeNode{templates: []*rpc.Block{testBlock(100)}, verdicts: verdicts}
	svc, _, cancel := startService(t, node, 10)
	defer cancel()

	var stuck bool
	svc.SetStuckSubmissionHandler(func(hash pow.Hash, elapsed time.Duration) { stuck = true })

	job := waitForJob(t, svc)

	if _, err := svc.Submit(context.Background(), job.Hash, 7); err == nil {
		t.Fatal("Submit should fail once the retry budget is spent")
	}
	if !stuck {
		t.Error("stuck-submission handler was not invoked")
	}
}
