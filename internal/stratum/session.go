package stratum

import (
	"crypto/rand"
	"encoding/hex"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kas-network/kas-pool/internal/util"
)

// writeTimeout bounds a single line write to a miner
const writeTimeout = 10 * time.Second

// vardiffState tracks share submission rate for difficulty adjustment
type vardiffState struct {
	lastRetarget time.Time
	sharesSince  int
}

// Session is one miner connection. It is owned by its read goroutine;
// cross-goroutine writes (broadcasts) serialize on writeMu.
type Session struct {
	id   uint64
	conn net.Conn

	agent      string
	encoding   Encoding
	subscribed bool
	authorized bool
	address    string
	worker     string

	difficulty float64
	extranonce string
	vardiff    vardiffState

	validShares   uint64
	invalidShares uint64

	remoteAddr  string
	connectedAt time.Time

	writeMu sync.Mutex
	dead    atomic.Bool
}

// newExtranonce draws the 4 random bytes advertised on authorize
func newExtranonce() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms; fall back to a
		// fixed prefix rather than refusing the miner
		return "00000000"
	}
	return hex.EncodeToString(b[:])
}

// send writes one message line to the miner. A failed write marks the
// session dead; the broadcaster prunes it on its next pass.
func (s *Session) send(v interface{}) error {
	line, err := marshalLine(v)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.dead.Load() {
		return net.ErrClosed
	}

	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := s.conn.Write(line); err != nil {
		s.dead.Store(true)
		return err
	}
	return nil
}

func (s *Session) sendResult(id interface{}, result interface{}) {
	if err := s.send(newResponse(id, result)); err != nil {
		util.Debugf("session %d: write failed: %v", s.id, err)
	}
}

func (s *Session) sendError(id interface{}, e *Error) {
	if err := s.send(newErrorResponse(id, e)); err != nil {
		util.Debugf("session %d: write failed: %v", s.id, err)
	}
}

func (s *Session) notify(method string, params ...interface{}) error {
	return s.send(Notification{Method: method, Params: params})
}

// retarget adjusts the session difficulty toward the configured share
// interval. Returns the new difficulty and whether it changed.
func (s *Session) retarget(targetTime, retargetInterval, variance, minDiff, maxDiff float64) (float64, bool) {
	elapsed := time.Since(s.vardiff.lastRetarget).Seconds()
	if elapsed < retargetInterval {
		return s.difficulty, false
	}

	shareRate := float64(s.vardiff.sharesSince) / elapsed
	targetRate := 1.0 / targetTime

	ratio := shareRate / targetRate
	if ratio == 0 {
		ratio = 0.5
	}

	bound := variance / 100.0
	if ratio > 1+bound {
		ratio = 1 + bound
	} else if ratio < 1-bound {
		ratio = 1 - bound
	}

	newDiff := s.difficulty * ratio
	if newDiff < minDiff {
		newDiff = minDiff
	}
	if newDiff > maxDiff {
		newDiff = maxDiff
	}

	s.vardiff.lastRetarget = time.Now()
	s.vardiff.sharesSince = 0

	if newDiff == s.difficulty {
		return s.difficulty, false
	}
	s.difficulty = newDiff
	return newDiff, true
}
