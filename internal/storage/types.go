// Package storage provides data persistence for kas-pool.
package storage

// Miner is a miner's persisted account
type Miner struct {
	Address     string `json:"address"`
	Balance     uint64 `json:"balance"`
	TotalPaid   uint64 `json:"paid"`
	BlocksFound uint64 `json:"blocks_found"`
}

// Payment is a payout transaction record
type Payment struct {
	TxID      string `json:"tx_id"`
	Address   string `json:"address"`
	Amount    uint64 `json:"amount"`
	Timestamp int64  `json:"timestamp"`
}

// HashratePoint is one sample of the pool hashrate history ring
type HashratePoint struct {
	Hashrate  float64 `json:"hashrate"`
	Timestamp int64   `json:"timestamp"`
}

// PoolCounters are the persisted pool-wide totals
type PoolCounters struct {
	BlocksFound    uint64 `json:"blocks_found"`
	TotalPaid      uint64 `json:"total_paid"`
	LastBlockFound int64  `json:"last_block_found"`
}
