package policy

import (
	"testing"
	"time"

	"github.com/kas-network/kas-pool/internal/config"
)

func testServer(maxConns, banThreshold int) *Server {
	return NewServer(&config.SecurityConfig{
		MaxConnectionsPerIP: maxConns,
		BanThreshold:        banThreshold,
		BanDuration:         time.Hour,
		RateLimitShares:     100,
	})
}

func TestConnectionLimit(t *testing.T) {
	p := testServer(2, 10)

	if !p.AllowConnection("1.2.3.4") {
		t.Fatal("first connection should be allowed")
	}
	if !p.AllowConnection("1.2.3.4") {
		t.Fatal("second connection should be allowed")
	}
	if p.AllowConnection("1.2.3.4") {
		t.Error("third connection should exceed the limit")
	}

	// Other IPs are unaffected
	if !p.AllowConnection("5.6.7.8") {
		t.Error("different IP should be allowed")
	}

	// Releasing frees a slot
	p.ReleaseConnection("1.2.3.4")
	if !p.AllowConnection("1.2.3.4") {
		t.Error("released slot should be reusable")
	}
}

func TestBanIP(t *testing.T) {
	p := testServer(10, 10)

	if p.IsBanned("1.2.3.4") {
		t.Fatal("fresh IP should not be banned")
	}
	p.BanIP("1.2.3.4")
	if !p.IsBanned("1.2.3.4") {
		t.Error("banned IP should report banned")
	}
	if p.IsBanned("5.6.7.8") {
		t.Error("other IPs stay unaffected")
	}
}

func TestMalformedRequestsBan(t *testing.T) {
	p := testServer(10, 10)

	for i := 0; i < malformedLimit-1; i++ {
		p.RecordMalformed("1.2.3.4")
		if p.IsBanned("1.2.3.4") {
			t.Fatalf("banned after %d malformed requests, limit is %d", i+1, malformedLimit)
		}
	}
	p.RecordMalformed("1.2.3.4")
	if !p.IsBanned("1.2.3.4") {
		t.Error("IP should be banned at the malformed limit")
	}
}

func TestInvalidShareRatioBan(t *testing.T) {
	p := testServer(10, 3)

	if !p.RecordShare("1.2.3.4", true) {
		t.Fatal("valid shares never trigger a ban")
	}
	if !p.RecordShare("1.2.3.4", false) {
		t.Fatal("one invalid share below threshold")
	}
	if !p.RecordShare("1.2.3.4", false) {
		t.Fatal("two invalid shares below threshold")
	}
	if p.RecordShare("1.2.3.4", false) {
		// third invalid share hits threshold 3
		t.Error("crossing the threshold should demand a close")
	}
	if !p.IsBanned("1.2.3.4") {
		t.Error("IP should be banned after crossing the invalid threshold")
	}
}

func TestShareRateLimit(t *testing.T) {
	p := NewServer(&config.SecurityConfig{
		MaxConnectionsPerIP: 10,
		BanThreshold:        1000,
		BanDuration:         time.Hour,
		RateLimitShares:     3,
	})

	for i := 0; i < 3; i++ {
		if !p.RecordShare("1.2.3.4", true) {
			t.Fatalf("share %d within the rate limit should pass", i+1)
		}
	}
	if p.RecordShare("1.2.3.4", true) {
		t.Error("fourth share inside the window should trip the rate limit")
	}
	if !p.IsBanned("1.2.3.4") {
		t.Error("share flooder should be temp banned")
	}

	// Other IPs keep their own windows
	if !p.RecordShare("5.6.7.8", true) {
		t.Error("unrelated IP must not be rate limited")
	}
}

func TestShareRateLimitNotReached(t *testing.T) {
	p := testServer(10, 1000) // RateLimitShares 100

	for i := 0; i < 50; i++ {
		if !p.RecordShare("1.2.3.4", true) {
			t.Fatalf("share %d under the limit should pass", i+1)
		}
	}
}

func TestSweepResetsCounters(t *testing.T) {
	p := testServer(10, 3)

	p.RecordShare("1.2.3.4", false)
	p.RecordShare("1.2.3.4", false)
	p.sweep()

	// Counters reset: two more invalid shares stay under the threshold
	if !p.RecordShare("1.2.3.4", false) {
		t.Error("sweep should have reset invalid share counters")
	}
	if !p.RecordShare("1.2.3.4", false) {
		t.Error("second invalid share after sweep below threshold")
	}
}
