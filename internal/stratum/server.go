package stratum

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kas-network/kas-pool/internal/config"
	"github.com/kas-network/kas-pool/internal/jobs"
	"github.com/kas-network/kas-pool/internal/ledger"
	"github.com/kas-network/kas-pool/internal/newrelic"
	"github.com/kas-network/kas-pool/internal/policy"
	"github.com/kas-network/kas-pool/internal/pow"
	"github.com/kas-network/kas-pool/internal/util"
)

const (
	// MaxRequestSize is the largest accepted request line in bytes
	MaxRequestSize = 1024

	// MaxRequestBuffer is the read buffer size with headroom
	MaxRequestBuffer = MaxRequestSize + 64

	// initialReadTimeout applies before the first message
	initialReadTimeout = 30 * time.Second

	// idleReadTimeout applies between messages
	idleReadTimeout = 5 * time.Minute
)

// BlockAcceptedFunc is invoked after the node accepts a block, with the
// finalized block hash and the contribution that solved it. It runs
// synchronously on the submit path so the PPLNS snapshot it takes is
// linearized against ledger inserts.
type BlockAcceptedFunc func(blockHash string, finder ledger.Contribution)

// Server accepts miner connections and drives their session state
// machines
type Server struct {
	cfg       *config.Config
	policy    *policy.Server
	ledger    *ledger.Ledger
	templates *jobs.Service

	listener   net.Listener
	sessionSeq uint64

	// Subscriber set and address index, shared with the broadcaster
	mu        sync.Mutex
	sessions  map[uint64]*Session
	byAddress map[string]map[uint64]*Session

	onBlockAccepted BlockAcceptedFunc
	agent           *newrelic.Agent

	ctx  context.Context
	quit chan struct{}
	wg   sync.WaitGroup
}

// NewServer creates a stratum server
func NewServer(cfg *config.Config, policyServer *policy.Server, shareLedger *ledger.Ledger, templates *jobs.Service) *Server {
	return &Server{
		cfg:       cfg,
		policy:    policyServer,
		ledger:    shareLedger,
		templates: templates,
		sessions:  make(map[uint64]*Session),
		byAddress: make(map[string]map[uint64]*Session),
		ctx:       context.Background(),
		quit:      make(chan struct{}),
	}
}

// SetBlockAcceptedHandler installs the block acceptance callback
func (s *Server) SetBlockAcceptedHandler(fn BlockAcceptedFunc) {
	s.onBlockAccepted = fn
}

// SetAgent installs the APM agent for share telemetry
func (s *Server) SetAgent(agent *newrelic.Agent) {
	s.agent = agent
}

// Start binds the listener and begins accepting miners
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Stratum.Bind)
	if err != nil {
		return fmt.Errorf("failed to bind stratum server: %w", err)
	}
	s.listener = listener
	util.Infof("Stratum server listening on %s", s.cfg.Stratum.Bind)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listener address
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts down the server and closes all sessions
func (s *Server) Stop() {
	close(s.quit)

	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, session := range s.sessions {
		session.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	util.Info("Stratum server stopped")
}

// acceptLoop handles incoming connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				util.Warnf("accept error: %v", err)
				continue
			}
		}

		ip := extractIP(conn.RemoteAddr().String())
		if s.policy != nil {
			if s.policy.IsBanned(ip) {
				util.Debugf("rejected banned IP %s", ip)
				conn.Close()
				continue
			}
			if !s.policy.AllowConnection(ip) {
				util.Debugf("connection limit exceeded for %s", ip)
				conn.Close()
				continue
			}
		}

		session := &Session{
			id:          atomic.AddUint64(&s.sessionSeq, 1),
			conn:        conn,
			difficulty:  s.cfg.Stratum.InitialDifficulty,
			vardiff:     vardiffState{lastRetarget: time.Now()},
			remoteAddr:  conn.RemoteAddr().String(),
			connectedAt: time.Now(),
		}

		s.wg.Add(1)
		go s.handleSession(session)
	}
}

// handleSession reads and dispatches one miner's messages in FIFO order
func (s *Server) handleSession(session *Session) {
	defer s.wg.Done()
	defer func() {
		session.dead.Store(true)
		session.conn.Close()
		s.removeSession(session)
		if s.policy != nil {
			s.policy.ReleaseConnection(extractIP(session.remoteAddr))
		}
		util.Debugf("session %d disconnected: %s", session.id, session.remoteAddr)
	}()

	util.Debugf("new connection from %s (session %d)", session.remoteAddr, session.id)

	ip := extractIP(session.remoteAddr)
	reader := bufio.NewReaderSize(session.conn, MaxRequestBuffer)
	session.conn.SetReadDeadline(time.Now().Add(initialReadTimeout))

	for {
		select {
		case <-s.quit:
			return
		default:
		}

		line, isPrefix, err := reader.ReadLine()
		if err != nil {
			return
		}

		// An overlong line never fits the protocol; ban the flooder
		if isPrefix || len(line) > MaxRequestSize {
			util.Warnf("session %d (%s): request too large", session.id, ip)
			if s.policy != nil {
				s.policy.BanIP(ip)
			}
			return
		}

		session.conn.SetReadDeadline(time.Now().Add(idleReadTimeout))

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			util.Debugf("session %d (%s): malformed request: %v", session.id, ip, err)
			if s.policy != nil {
				s.policy.RecordMalformed(ip)
			}
			// Malformed JSON terminates the session
			return
		}

		if !s.handleRequest(session, &req) {
			return
		}
	}
}

// handleRequest dispatches one request. Returns false when the session
// must close.
func (s *Server) handleRequest(session *Session, req *Request) bool {
	switch req.Method {
	case "mining.subscribe":
		return s.handleSubscribe(session, req)
	case "mining.authorize":
		return s.handleAuthorize(session, req)
	case "mining.submit":
		return s.handleSubmit(session, req)
	default:
		// Unknown methods are a protocol violation; close
		util.Debugf("session %d: unknown method %q", session.id, req.Method)
		session.sendError(req.ID, errInternal())
		return false
	}
}

// handleSubscribe processes mining.subscribe
func (s *Server) handleSubscribe(session *Session, req *Request) bool {
	if len(req.Params) > 0 {
		if agent, ok := req.Params[0].(string); ok {
			session.agent = agent
			session.encoding = DetectEncoding(agent)
		}
	}
	session.subscribed = true

	s.mu.Lock()
	s.sessions[session.id] = session
	s.mu.Unlock()

	util.Debugf("session %d subscribed: agent=%q encoding=%d", session.id, session.agent, session.encoding)
	session.sendResult(req.ID, true)
	return true
}

// handleAuthorize processes mining.authorize
func (s *Server) handleAuthorize(session *Session, req *Request) bool {
	if !session.subscribed {
		session.sendError(req.ID, errUnauthorized())
		return true
	}
	if len(req.Params) < 1 {
		session.sendError(req.ID, errUnauthorized())
		return true
	}

	identity, ok := req.Params[0].(string)
	if !ok {
		session.sendError(req.ID, errUnauthorized())
		return true
	}

	address, worker := util.SplitWorkerID(identity)
	if !util.ValidateAddress(address) {
		util.Debugf("session %d: invalid address %q", session.id, address)
		session.sendError(req.ID, errUnauthorized())
		return true
	}

	session.address = address
	session.worker = worker
	session.authorized = true
	session.extranonce = newExtranonce()

	s.mu.Lock()
	byAddr := s.byAddress[address]
	if byAddr == nil {
		byAddr = make(map[uint64]*Session)
		s.byAddress[address] = byAddr
	}
	byAddr[session.id] = session
	s.mu.Unlock()

	util.Infof("session %d authorized: %s.%s", session.id, shortAddr(address), worker)

	session.sendResult(req.ID, true)
	session.notify("set_extranonce", session.extranonce)
	session.notify("mining.set_difficulty", session.difficulty)
	return true
}

// handleSubmit processes mining.submit
func (s *Server) handleSubmit(session *Session, req *Request) bool {
	ip := extractIP(session.remoteAddr)

	if !session.authorized {
		session.sendError(req.ID, errUnauthorized())
		return true
	}

	_, jobID, nonceHex, ok := parseSubmitParams(req.Params)
	if !ok {
		session.sendError(req.ID, errInternal())
		s.recordShareMetric(session, false)
		return s.recordShareOutcome(session, ip, false)
	}

	if serr := s.processShare(session, jobID, nonceHex); serr != nil {
		session.invalidShares++
		session.sendError(req.ID, serr)
		s.recordShareMetric(session, false)
		return s.recordShareOutcome(session, ip, false)
	}

	session.validShares++
	session.vardiff.sharesSince++
	session.sendResult(req.ID, true)
	s.recordShareMetric(session, true)

	if newDiff, changed := session.retarget(
		s.cfg.Stratum.VardiffTargetTime,
		s.cfg.Stratum.VardiffRetarget,
		s.cfg.Stratum.VardiffVariance,
		s.cfg.Stratum.MinDifficulty,
		s.cfg.Stratum.MaxDifficulty,
	); changed {
		session.notify("mining.set_difficulty", newDiff)
		util.Debugf("session %d difficulty adjusted to %g", session.id, newDiff)
	}

	return s.recordShareOutcome(session, ip, true)
}

// recordShareMetric reports the share outcome to the APM agent
func (s *Server) recordShareMetric(session *Session, accepted bool) {
	if s.agent != nil {
		s.agent.RecordShare(session.address, session.worker, session.difficulty, accepted)
	}
}

// recordShareOutcome applies the share policy; returns false when the
// policy demands the session close
func (s *Server) recordShareOutcome(session *Session, ip string, valid bool) bool {
	if s.policy == nil {
		return true
	}
	if !s.policy.RecordShare(ip, valid) {
		util.Warnf("session %d (%s): banned for invalid share ratio", session.id, ip)
		return false
	}
	return true
}

// processShare validates one submission and records it. A nil return
// means the share was accepted.
func (s *Server) processShare(session *Session, jobID, nonceHex string) *Error {
	hash, ok := s.templates.Registry().Lookup(jobID)
	if !ok {
		return errJobNotFound()
	}

	tpl, ok := s.templates.Cache().Get(hash)
	if !ok {
		return errJobNotFound()
	}

	nonce, err := util.HexToUint64(nonceHex)
	if err != nil {
		util.Debugf("session %d: bad nonce %q: %v", session.id, nonceHex, err)
		return errInternal()
	}

	if s.ledger.Seen(hash, nonce) {
		return errDuplicateShare()
	}

	isBlock, workValue := tpl.Pow.CheckWork(nonce)

	// Larger value = weaker work; the share must be at least as hard as
	// the advertised session difficulty
	if workValue.Cmp(util.DifficultyToTarget(session.difficulty)) > 0 {
		return errLowDifficultyShare()
	}

	contribution := ledger.Contribution{
		Address:    session.address,
		Worker:     session.worker,
		Difficulty: session.difficulty,
		Timestamp:  time.Now().UnixMilli(),
	}

	if err := s.ledger.Admit(hash, nonce, contribution); err != nil {
		if errors.Is(err, ledger.ErrDuplicateShare) {
			return errDuplicateShare()
		}
		util.Errorf("session %d: ledger admit failed: %v", session.id, err)
		return errInternal()
	}

	if isBlock {
		s.submitBlock(session, hash, nonce, contribution)
	}

	return nil
}

// submitBlock forwards a block-solving nonce to the node. The share is
// already in the ledger; node-side failure never invalidates it.
func (s *Server) submitBlock(session *Session, hash pow.Hash, nonce uint64, contribution ledger.Contribution) {
	blockHash, err := s.templates.Submit(s.ctx, hash, nonce)
	if err != nil {
		var invalid *jobs.BlockInvalidError
		if errors.As(err, &invalid) {
			// Permanent verdict: log and carry on, template stays until
			// normal eviction
			util.Warnf("block from %s rejected: %s", shortAddr(session.address), invalid.Reason)
			return
		}
		util.Errorf("block submission failed: %v", err)
		return
	}

	util.Infof("BLOCK FOUND! hash=%s finder=%s.%s", blockHash, shortAddr(session.address), session.worker)

	if s.onBlockAccepted != nil {
		s.onBlockAccepted(blockHash, contribution)
	}
}

// shortAddr elides long addresses for logs
func shortAddr(addr string) string {
	if len(addr) <= 16 {
		return addr
	}
	return addr[:16]
}

// extractIP extracts the IP from a remote address (ip:port)
func extractIP(remoteAddr string) string {
	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
		ip := remoteAddr[:idx]
		ip = strings.TrimPrefix(ip, "[")
		ip = strings.TrimSuffix(ip, "]")
		return ip
	}
	return remoteAddr
}
