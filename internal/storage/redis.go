package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/kas-network/kas-pool/internal/util"
)

const (
	keyPrefix = "kas:"

	keyStats           = keyPrefix + "stats"
	keyMiner           = keyPrefix + "miners:%s"
	keyPaymentsAll     = keyPrefix + "payments:all"
	keyPaymentsAddr    = keyPrefix + "payments:%s"
	keyHashrateHistory = keyPrefix + "hashrate:history"
)

// hashrateHistorySize bounds the persisted hashrate ring
const hashrateHistorySize = 100

// RedisClient wraps Redis operations for the pool
type RedisClient struct {
	client *redis.Client
	ctx    context.Context
}

// NewRedisClient creates a new Redis client
func NewRedisClient(url, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     url,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	util.Info("Connected to Redis at ", url)
	return &RedisClient{client: client, ctx: ctx}, nil
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// AddBalance atomically adjusts a miner's balance by delta and returns
// the new balance
func (r *RedisClient) AddBalance(address string, delta int64) (uint64, error) {
	minerKey := fmt.Sprintf(keyMiner, address)
	newBal, err := r.client.HIncrBy(r.ctx, minerKey, "balance", delta).Result()
	if err != nil {
		return 0, err
	}
	if newBal < 0 {
		// Undo: the ledger must never go negative
		r.client.HIncrBy(r.ctx, minerKey, "balance", -delta)
		return 0, fmt.Errorf("balance underflow for %s (delta %d)", address, delta)
	}
	return uint64(newBal), nil
}

// ClaimBalance atomically reads a miner's balance, zeroes it, and moves
// the claimed amount to paid. Used when a payout batch is assembled so
// the same sompi can never be queued twice.
func (r *RedisClient) ClaimBalance(address string) (uint64, error) {
	minerKey := fmt.Sprintf(keyMiner, address)
	var claimed uint64

	err := r.client.Watch(r.ctx, func(tx *redis.Tx) error {
		balStr, err := tx.HGet(r.ctx, minerKey, "balance").Result()
		if err == redis.Nil {
			claimed = 0
			return nil
		}
		if err != nil {
			return err
		}

		bal, err := strconv.ParseUint(balStr, 10, 64)
		if err != nil || bal == 0 {
			claimed = 0
			return nil
		}

		_, err = tx.TxPipelined(r.ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(r.ctx, minerKey, "balance", 0)
			pipe.HIncrBy(r.ctx, minerKey, "paid", int64(bal))
			return nil
		})
		if err != nil {
			return err
		}
		claimed = bal
		return nil
	}, minerKey)

	return claimed, err
}

// GetMiner returns a miner's persisted account, or nil if unknown
func (r *RedisClient) GetMiner(address string) (*Miner, error) {
	minerKey := fmt.Sprintf(keyMiner, address)
	data, err := r.client.HGetAll(r.ctx, minerKey).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	miner := &Miner{Address: address}
	if v, ok := data["balance"]; ok {
		miner.Balance, _ = strconv.ParseUint(v, 10, 64)
	}
	if v, ok := data["paid"]; ok {
		miner.TotalPaid, _ = strconv.ParseUint(v, 10, 64)
	}
	if v, ok := data["blocksFound"]; ok {
		miner.BlocksFound, _ = strconv.ParseUint(v, 10, 64)
	}
	return miner, nil
}

// RecordBlockFound updates the persisted pool and finder counters
func (r *RedisClient) RecordBlockFound(finder string) error {
	now := time.Now().Unix()

	pipe := r.client.Pipeline()
	pipe.HIncrBy(r.ctx, keyStats, "blocksFound", 1)
	pipe.HSet(r.ctx, keyStats, "lastBlockFound", now)

	minerKey := fmt.Sprintf(keyMiner, finder)
	pipe.HIncrBy(r.ctx, minerKey, "blocksFound", 1)

	_, err := pipe.Exec(r.ctx)
	return err
}

// RecordPayout stores a completed payout
func (r *RedisClient) RecordPayout(payment *Payment) error {
	paymentJSON, err := json.Marshal(payment)
	if err != nil {
		return err
	}

	pipe := r.client.Pipeline()
	pipe.ZAdd(r.ctx, keyPaymentsAll, &redis.Z{
		Score:  float64(payment.Timestamp),
		Member: string(paymentJSON),
	})

	addrKey := fmt.Sprintf(keyPaymentsAddr, payment.Address)
	pipe.LPush(r.ctx, addrKey, string(paymentJSON))
	pipe.LTrim(r.ctx, addrKey, 0, 99)

	pipe.HIncrBy(r.ctx, keyStats, "totalPaid", int64(payment.Amount))

	_, err = pipe.Exec(r.ctx)
	return err
}

// GetRecentPayouts returns the most recent payouts pool-wide
func (r *RedisClient) GetRecentPayouts(limit int64) ([]*Payment, error) {
	results, err := r.client.ZRevRange(r.ctx, keyPaymentsAll, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}

	payments := make([]*Payment, 0, len(results))
	for _, result := range results {
		var payment Payment
		if err := json.Unmarshal([]byte(result), &payment); err == nil {
			payments = append(payments, &payment)
		}
	}
	return payments, nil
}

// GetMinerPayouts returns payout history for one miner
func (r *RedisClient) GetMinerPayouts(address string, limit int64) ([]*Payment, error) {
	addrKey := fmt.Sprintf(keyPaymentsAddr, address)
	results, err := r.client.LRange(r.ctx, addrKey, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}

	payments := make([]*Payment, 0, len(results))
	for _, result := range results {
		var payment Payment
		if err := json.Unmarshal([]byte(result), &payment); err == nil {
			payments = append(payments, &payment)
		}
	}
	return payments, nil
}

// RecordHashrate appends a pool hashrate sample to the history ring
func (r *RedisClient) RecordHashrate(hashrate float64) error {
	point := HashratePoint{
		Hashrate:  hashrate,
		Timestamp: time.Now().Unix(),
	}
	pointJSON, err := json.Marshal(point)
	if err != nil {
		return err
	}

	pipe := r.client.Pipeline()
	pipe.RPush(r.ctx, keyHashrateHistory, string(pointJSON))
	pipe.LTrim(r.ctx, keyHashrateHistory, -hashrateHistorySize, -1)
	_, err = pipe.Exec(r.ctx)
	return err
}

// GetHashrateHistory returns the persisted hashrate ring, oldest first
func (r *RedisClient) GetHashrateHistory() ([]HashratePoint, error) {
	results, err := r.client.LRange(r.ctx, keyHashrateHistory, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	points := make([]HashratePoint, 0, len(results))
	for _, result := range results {
		var point HashratePoint
		if err := json.Unmarshal([]byte(result), &point); err == nil {
			points = append(points, point)
		}
	}
	return points, nil
}

// GetPoolCounters returns the persisted pool-wide totals
func (r *RedisClient) GetPoolCounters() (*PoolCounters, error) {
	data, err := r.client.HGetAll(r.ctx, keyStats).Result()
	if err != nil {
		return nil, err
	}

	counters := &PoolCounters{}
	if v, ok := data["blocksFound"]; ok {
		counters.BlocksFound, _ = strconv.ParseUint(v, 10, 64)
	}
	if v, ok := data["totalPaid"]; ok {
		counters.TotalPaid, _ = strconv.ParseUint(v, 10, 64)
	}
	if v, ok := data["lastBlockFound"]; ok {
		counters.LastBlockFound, _ = strconv.ParseInt(v, 10, 64)
	}
	return counters, nil
}
