// Package account attributes solved blocks to PPLNS contributions and
// turns matured coinbases into miner balances and payout batches.
package account

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/kas-network/kas-pool/internal/ledger"
	"github.com/kas-network/kas-pool/internal/newrelic"
	"github.com/kas-network/kas-pool/internal/rpc"
	"github.com/kas-network/kas-pool/internal/storage"
	"github.com/kas-network/kas-pool/internal/util"
)

// workScale converts decimal share difficulties to integer work units so
// reward splits stay in exact integer arithmetic
const workScale = 10000

// BlockStatus tracks a block record through its lifecycle
type BlockStatus string

const (
	StatusSubmitted BlockStatus = "submitted"
	StatusMature    BlockStatus = "mature"
	StatusOrphaned  BlockStatus = "orphaned"
)

// BlockRecord snapshots the PPLNS window at the moment a block was
// accepted by the node
type BlockRecord struct {
	BlockHash     string                `json:"block_hash"`
	Finder        string                `json:"finder"`
	Contributions []ledger.Contribution `json:"-"`
	SubmittedAt   time.Time             `json:"submitted_at"`
	Status        BlockStatus           `json:"status"`
	Reward        uint64                `json:"reward,omitempty"`
}

// MaturityEvent is delivered by the UTXO processor when a coinbase
// matures. Amount is the gross coinbase in sompi.
type MaturityEvent struct {
	BlockHash string
	Amount    uint64
	DAAScore  uint64
}

// Store is the persistent balance/payout surface the account depends on
type Store interface {
	AddBalance(address string, delta int64) (uint64, error)
	ClaimBalance(address string) (uint64, error)
	RecordBlockFound(finder string) error
	RecordPayout(payment *storage.Payment) error
}

// PayoutSender builds, signs, and broadcasts payout transactions
type PayoutSender interface {
	Send(ctx context.Context, outputs []rpc.Output) ([]string, error)
}

// Notifier receives block and payout events for operator notification
type Notifier interface {
	BlockFound(blockHash, finder string)
	BlockOrphaned(blockHash string)
	PayoutSent(txID string, outputs int, total uint64)
}

// Account is the BlockAccount: it owns block records and the
// maturity-to-reward path
type Account struct {
	store    Store
	sender   PayoutSender
	node     rpc.Node
	notifier Notifier
	agent    *newrelic.Agent

	feePercent float64
	feeAddress string
	threshold  uint64

	mu      sync.Mutex
	records map[string]*BlockRecord
}

// New creates a block account
func New(store Store, sender PayoutSender, node rpc.Node, feePercent float64, feeAddress string, threshold uint64) *Account {
	return &Account{
		store:      store,
		sender:     sender,
		node:       node,
		feePercent: feePercent,
		feeAddress: feeAddress,
		threshold:  threshold,
		records:    make(map[string]*BlockRecord),
	}
}

// SetNotifier installs the event notifier
func (a *Account) SetNotifier(n Notifier) {
	a.notifier = n
}

// SetAgent installs the APM agent for payout telemetry
func (a *Account) SetAgent(agent *newrelic.Agent) {
	a.agent = agent
}

// OnBlockAccepted stores the contribution snapshot for a freshly accepted
// block. The caller passes the snapshot taken at acceptance time; shares
// arriving later never join it.
func (a *Account) OnBlockAccepted(blockHash string, snapshot []ledger.Contribution, finder ledger.Contribution) {
	a.mu.Lock()
	a.records[blockHash] = &BlockRecord{
		BlockHash:     blockHash,
		Finder:        finder.Address,
		Contributions: snapshot,
		SubmittedAt:   time.Now(),
		Status:        StatusSubmitted,
	}
	a.mu.Unlock()

	if err := a.store.RecordBlockFound(finder.Address); err != nil {
		util.Warnf("failed to persist block counters: %v", err)
	}
	if a.notifier != nil {
		a.notifier.BlockFound(blockHash, finder.Address)
	}
}

// OnCoinbaseMatured processes a maturity event: verifies the block is
// blue, credits the pool fee and the proportional contributor rewards,
// and pays out every address whose balance crossed the threshold.
func (a *Account) OnCoinbaseMatured(ctx context.Context, ev MaturityEvent) error {
	a.mu.Lock()
	record, ok := a.records[ev.BlockHash]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("maturity event for unknown block %s", ev.BlockHash)
	}
	if record.Status != StatusSubmitted {
		a.mu.Unlock()
		util.Debugf("block %s already %s, ignoring maturity event", ev.BlockHash, record.Status)
		return nil
	}
	contributions := record.Contributions
	a.mu.Unlock()

	blue, err := a.node.GetCurrentBlockColor(ctx, ev.BlockHash)
	if err != nil {
		return fmt.Errorf("block color check failed for %s: %w", ev.BlockHash, err)
	}
	if !blue {
		a.setStatus(ev.BlockHash, StatusOrphaned, 0)
		util.Warnf("block %s is red, skipping rewards", ev.BlockHash)
		if a.notifier != nil {
			a.notifier.BlockOrphaned(ev.BlockHash)
		}
		return nil
	}

	fee := ev.Amount * uint64(a.feePercent*100) / 10000
	net := ev.Amount - fee

	if fee > 0 && a.feeAddress != "" {
		if _, err := a.store.AddBalance(a.feeAddress, int64(fee)); err != nil {
			util.Errorf("failed to credit pool fee: %v", err)
		}
	}

	batch := a.creditRewards(net, contributions)
	a.setStatus(ev.BlockHash, StatusMature, net)

	util.Infof("block %s matured: gross %d, fee %d, net %d across %d contributors",
		ev.BlockHash, ev.Amount, fee, net, len(contributions))

	if len(batch) > 0 {
		a.sendPayouts(ctx, batch)
	}
	return nil
}

// creditRewards splits net proportionally over the snapshot and returns
// the payout batch of addresses whose balance crossed the threshold.
// Share difficulties are taken as exact rationals; multiply first,
// floor-divide last: the distributed total differs from net only by
// rounding dust below the contributor count.
func (a *Account) creditRewards(net uint64, contributions []ledger.Contribution) []rpc.Output {
	workByAddress := make(map[string]*big.Rat)
	totalWork := new(big.Rat)
	for _, c := range contributions {
		work := new(big.Rat).SetFloat64(c.Difficulty)
		if work == nil || work.Sign() <= 0 {
			continue
		}
		if acc, ok := workByAddress[c.Address]; ok {
			acc.Add(acc, work)
		} else {
			workByAddress[c.Address] = work
		}
		totalWork.Add(totalWork, work)
	}
	if totalWork.Sign() == 0 {
		util.Warnf("matured block has no weighable contributions, %d sompi unassigned", net)
		return nil
	}

	addresses := make([]string, 0, len(workByAddress))
	for addr := range workByAddress {
		addresses = append(addresses, addr)
	}
	sort.Strings(addresses)

	netRat := new(big.Rat).SetUint64(net)
	var batch []rpc.Output

	for _, addr := range addresses {
		share := new(big.Rat).Mul(netRat, workByAddress[addr])
		share.Quo(share, totalWork)
		reward := new(big.Int).Quo(share.Num(), share.Denom())
		if reward.Sign() == 0 {
			continue
		}

		newBalance, err := a.store.AddBalance(addr, reward.Int64())
		if err != nil {
			util.Errorf("failed to credit %s: %v", addr, err)
			continue
		}

		if a.threshold > 0 && newBalance >= a.threshold {
			claimed, err := a.store.ClaimBalance(addr)
			if err != nil {
				util.Errorf("failed to claim balance for %s: %v", addr, err)
				continue
			}
			if claimed > 0 {
				batch = append(batch, rpc.Output{Address: addr, Amount: claimed})
			}
		}
	}

	return batch
}

// sendPayouts hands the batch to the payout sender and records the
// resulting transactions. A failed send restores the claimed balances.
func (a *Account) sendPayouts(ctx context.Context, batch []rpc.Output) {
	if a.sender == nil {
		util.Warn("payout batch ready but no payout sender configured, restoring balances")
		a.restoreBalances(batch)
		return
	}

	txIDs, err := a.sender.Send(ctx, batch)
	if err != nil {
		util.Errorf("payout send failed, restoring balances: %v", err)
		a.restoreBalances(batch)
		return
	}

	now := time.Now().Unix()
	var total uint64
	for _, out := range batch {
		total += out.Amount
		payment := &storage.Payment{
			TxID:      txIDs[0],
			Address:   out.Address,
			Amount:    out.Amount,
			Timestamp: now,
		}
		if err := a.store.RecordPayout(payment); err != nil {
			util.Errorf("failed to record payout for %s: %v", out.Address, err)
		}
	}

	util.Infof("payout sent: %d outputs, %d sompi, tx %s", len(batch), total, txIDs[0])
	if a.agent != nil {
		a.agent.RecordPayout(txIDs[0], len(batch), total)
	}
	if a.notifier != nil {
		a.notifier.PayoutSent(txIDs[0], len(batch), total)
	}
}

// restoreBalances returns claimed amounts to the balance ledger after a
// failed send
func (a *Account) restoreBalances(batch []rpc.Output) {
	for _, out := range batch {
		if _, err := a.store.AddBalance(out.Address, int64(out.Amount)); err != nil {
			util.Errorf("CRITICAL: failed to restore %d sompi to %s: %v", out.Amount, out.Address, err)
		}
	}
}

func (a *Account) setStatus(blockHash string, status BlockStatus, reward uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if record, ok := a.records[blockHash]; ok {
		record.Status = status
		if reward > 0 {
			record.Reward = reward
		}
	}
}

// Records returns a snapshot of all block records, newest first
func (a *Account) Records() []BlockRecord {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]BlockRecord, 0, len(a.records))
	for _, record := range a.records {
		out = append(out, *record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
	return out
}

// Record returns one block record by hash
func (a *Account) Record(blockHash string) (BlockRecord, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	record, ok := a.records[blockHash]
	if !ok {
		return BlockRecord{}, false
	}
	return *record, true
}

// PruneRecords drops terminal records older than maxAge
func (a *Account) PruneRecords(maxAge time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for hash, record := range a.records {
		terminal := record.Status == StatusMature || record.Status == StatusOrphaned
		if terminal && record.SubmittedAt.Before(cutoff) {
			delete(a.records, hash)
		}
	}
}
