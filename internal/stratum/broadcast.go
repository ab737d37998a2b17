package stratum

import (
	"github.com/kas-network/kas-pool/internal/jobs"
	"github.com/kas-network/kas-pool/internal/util"
)

// Broadcast fans a new job out to every authorized session. Within one
// pass sessions are written one at a time, in map order rather than
// subscription order; as long as passes do not overlap, every live
// session sees this job before any later one. Sessions already marked
// dead, and those whose write fails during the pass, are pruned from both
// the subscriber set and the address index.
func (s *Server) Broadcast(job jobs.JobReady) {
	payloads := map[Encoding]string{
		EncodingBigHeader: NotifyPayload(job.Hash, job.Timestamp, EncodingBigHeader),
		EncodingBitmain:   NotifyPayload(job.Hash, job.Timestamp, EncodingBitmain),
	}

	s.mu.Lock()
	targets := make([]*Session, 0, len(s.sessions))
	var dead []*Session
	for _, session := range s.sessions {
		if session.dead.Load() {
			dead = append(dead, session)
			continue
		}
		if session.authorized {
			targets = append(targets, session)
		}
	}
	s.mu.Unlock()

	for _, session := range dead {
		s.removeSession(session)
	}

	sent := 0
	for _, session := range targets {
		if err := session.notify("mining.notify", job.JobID, payloads[session.encoding]); err != nil {
			s.removeSession(session)
			continue
		}
		sent++
	}

	util.Debugf("broadcast job %s to %d sessions", job.JobID, sent)
}

// removeSession drops a session from the subscriber set and the address
// index atomically; an address with no sessions left is removed entirely
func (s *Server) removeSession(session *Session) {
	session.dead.Store(true)

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, session.id)
	if session.address != "" {
		if byAddr, ok := s.byAddress[session.address]; ok {
			delete(byAddr, session.id)
			if len(byAddr) == 0 {
				delete(s.byAddress, session.address)
			}
		}
	}
}

// SessionCount returns the number of subscribed sessions
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// AuthorizedCount returns the number of authorized sessions
func (s *Server) AuthorizedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, session := range s.sessions {
		if session.authorized {
			count++
		}
	}
	return count
}

// MinerCount returns the number of distinct authorized addresses
func (s *Server) MinerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byAddress)
}
