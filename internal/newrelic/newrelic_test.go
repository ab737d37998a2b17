package newrelic

import (
	"testing"
	"time"

	"github.com/kas-network/kas-pool/internal/config"
)

func TestDisabledAgent(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})
	if err := agent.Start(); err != nil {
		t.Fatalf("disabled agent Start: %v", err)
	}

	// All recorders are no-ops without an application
	agent.RecordShare("kaspa:qralpha", "w", 1000, true)
	agent.RecordBlockFound("hash", "kaspa:qralpha")
	agent.RecordPayout("tx", 1, 100)
	agent.RecordStuckSubmission("hash", time.Minute)
	agent.RecordPoolHashrate(1e9)
	agent.Stop()
}

func TestEnabledWithoutLicense(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: true, AppName: "kas-pool"})
	if err := agent.Start(); err != nil {
		t.Fatalf("agent without license should degrade, got: %v", err)
	}
	agent.Stop()
}
