// Package api serves the read-only operator HTTP surface.
package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kas-network/kas-pool/internal/account"
	"github.com/kas-network/kas-pool/internal/config"
	"github.com/kas-network/kas-pool/internal/ledger"
	"github.com/kas-network/kas-pool/internal/storage"
	"github.com/kas-network/kas-pool/internal/stratum"
	"github.com/kas-network/kas-pool/internal/util"
)

// Server is the read-only API server
type Server struct {
	cfg     *config.Config
	redis   *storage.RedisClient
	ledger  *ledger.Ledger
	account *account.Account
	stratum *stratum.Server
	version string

	router *gin.Engine
	server *http.Server

	statusCacheMu   sync.RWMutex
	statusCache     *StatusResponse
	statusCacheTime time.Time
}

// StatusResponse is the /status payload
type StatusResponse struct {
	PoolName       string  `json:"pool_name"`
	Fee            float64 `json:"fee"`
	Hashrate       float64 `json:"hashrate"`
	Miners         int     `json:"miners"`
	Sessions       int     `json:"sessions"`
	WindowShares   int     `json:"window_shares"`
	SharesLastDay  int     `json:"shares_last_day"`
	BlocksFound    uint64  `json:"blocks_found"`
	LastBlockFound int64   `json:"last_block_found"`
	TotalPaid      uint64  `json:"total_paid"`
	Now            int64   `json:"now"`
}

// MinerResponse is the /miner payload
type MinerResponse struct {
	Address  string                `json:"address"`
	Balance  uint64                `json:"balance"`
	Paid     uint64                `json:"paid"`
	Blocks   uint64                `json:"blocks_found"`
	Live     *ledger.MinerSnapshot `json:"live,omitempty"`
	Payments []*storage.Payment    `json:"payments"`
}

// BlockResponse is one entry of the /blocks payload
type BlockResponse struct {
	Hash        string `json:"hash"`
	Finder      string `json:"finder"`
	Status      string `json:"status"`
	Reward      uint64 `json:"reward,omitempty"`
	SubmittedAt int64  `json:"submitted_at"`
}

// NewServer creates the API server
func NewServer(cfg *config.Config, redis *storage.RedisClient, shareLedger *ledger.Ledger, blockAccount *account.Account, stratumServer *stratum.Server, version string) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:     cfg,
		redis:   redis,
		ledger:  shareLedger,
		account: blockAccount,
		stratum: stratumServer,
		version: version,
		router:  router,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	s.router.GET("/status", s.handleStatus)
	s.router.GET("/miner", s.handleMiner)
	s.router.GET("/miners", s.handleMiners)
	s.router.GET("/blocks", s.handleBlocks)
	s.router.GET("/payouts", s.handlePayouts)
	s.router.GET("/hashrate-history", s.handleHashrateHistory)
	s.router.GET("/version", s.handleVersion)
}

// Start begins serving
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.cfg.API.Bind,
		Handler: s.router,
	}

	util.Infof("API server listening on %s", s.cfg.API.Bind)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Errorf("API server error: %v", err)
		}
	}()
	return nil
}

// Stop shuts the API server down
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// Handler exposes the router for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleStatus(c *gin.Context) {
	s.statusCacheMu.RLock()
	if s.statusCache != nil && time.Since(s.statusCacheTime) < s.cfg.API.StatsCache {
		cached := s.statusCache
		s.statusCacheMu.RUnlock()
		c.JSON(200, cached)
		return
	}
	s.statusCacheMu.RUnlock()

	counters, err := s.redis.GetPoolCounters()
	if err != nil {
		c.JSON(500, gin.H{"error": "failed to read pool counters"})
		return
	}

	response := &StatusResponse{
		PoolName:       s.cfg.Pool.Name,
		Fee:            s.cfg.Pool.Fee,
		Hashrate:       s.ledger.PoolHashrate(),
		WindowShares:   s.ledger.WindowLen(),
		SharesLastDay:  s.ledger.SharesLastDay(),
		BlocksFound:    counters.BlocksFound,
		LastBlockFound: counters.LastBlockFound,
		TotalPaid:      counters.TotalPaid,
		Now:            time.Now().Unix(),
	}
	if s.stratum != nil {
		response.Miners = s.stratum.MinerCount()
		response.Sessions = s.stratum.SessionCount()
	}

	s.statusCacheMu.Lock()
	s.statusCache = response
	s.statusCacheTime = time.Now()
	s.statusCacheMu.Unlock()

	c.JSON(200, response)
}

func (s *Server) handleMiner(c *gin.Context) {
	address := c.Query("address")
	if address == "" || !util.ValidateAddress(address) {
		c.JSON(400, gin.H{"error": "missing or invalid address"})
		return
	}

	miner, err := s.redis.GetMiner(address)
	if err != nil {
		c.JSON(500, gin.H{"error": "failed to read miner"})
		return
	}

	response := &MinerResponse{Address: address, Payments: []*storage.Payment{}}
	if miner != nil {
		response.Balance = miner.Balance
		response.Paid = miner.TotalPaid
		response.Blocks = miner.BlocksFound
	}
	response.Live = s.ledger.Miner(address)

	if payments, err := s.redis.GetMinerPayouts(address, 50); err == nil {
		response.Payments = payments
	}

	c.JSON(200, response)
}

func (s *Server) handleMiners(c *gin.Context) {
	c.JSON(200, gin.H{"miners": s.ledger.Miners()})
}

func (s *Server) handleBlocks(c *gin.Context) {
	records := s.account.Records()
	blocks := make([]BlockResponse, 0, len(records))
	for _, record := range records {
		blocks = append(blocks, BlockResponse{
			Hash:        record.BlockHash,
			Finder:      record.Finder,
			Status:      string(record.Status),
			Reward:      record.Reward,
			SubmittedAt: record.SubmittedAt.Unix(),
		})
	}
	c.JSON(200, gin.H{"blocks": blocks})
}

func (s *Server) handlePayouts(c *gin.Context) {
	payouts, err := s.redis.GetRecentPayouts(100)
	if err != nil {
		c.JSON(500, gin.H{"error": "failed to read payouts"})
		return
	}
	if payouts == nil {
		payouts = []*storage.Payment{}
	}
	c.JSON(200, gin.H{"payouts": payouts})
}

func (s *Server) handleHashrateHistory(c *gin.Context) {
	history, err := s.redis.GetHashrateHistory()
	if err != nil {
		c.JSON(500, gin.H{"error": "failed to read hashrate history"})
		return
	}
	if history == nil {
		history = []storage.HashratePoint{}
	}
	c.JSON(200, gin.H{"history": history})
}

func (s *Server) handleVersion(c *gin.Context) {
	c.JSON(200, gin.H{"version": s.version})
}
