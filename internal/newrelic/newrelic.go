// Package newrelic provides New Relic APM integration for pool
// monitoring.
package newrelic

import (
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"

	"github.com/kas-network/kas-pool/internal/config"
	"github.com/kas-network/kas-pool/internal/util"
)

// Agent wraps the New Relic application
type Agent struct {
	cfg *config.NewRelicConfig
	app *newrelic.Application
}

// NewAgent creates a New Relic agent
func NewAgent(cfg *config.NewRelicConfig) *Agent {
	return &Agent{cfg: cfg}
}

// Start initializes the agent
func (a *Agent) Start() error {
	if !a.cfg.Enabled {
		util.Info("New Relic APM disabled")
		return nil
	}
	if a.cfg.LicenseKey == "" {
		util.Warn("New Relic license key not configured, APM disabled")
		return nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(a.cfg.AppName),
		newrelic.ConfigLicense(a.cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(true),
	)
	if err != nil {
		return err
	}

	a.app = app
	util.Infof("New Relic APM started: %s", a.cfg.AppName)
	return nil
}

// Stop shuts the agent down, flushing pending data
func (a *Agent) Stop() {
	if a.app != nil {
		a.app.Shutdown(10 * time.Second)
	}
}

// RecordShare reports an accepted or rejected share
func (a *Agent) RecordShare(address, worker string, difficulty float64, accepted bool) {
	if a.app == nil {
		return
	}
	a.app.RecordCustomEvent("Share", map[string]interface{}{
		"address":    address,
		"worker":     worker,
		"difficulty": difficulty,
		"accepted":   accepted,
	})
}

// RecordBlockFound reports a node-accepted block
func (a *Agent) RecordBlockFound(blockHash, finder string) {
	if a.app == nil {
		return
	}
	a.app.RecordCustomEvent("BlockFound", map[string]interface{}{
		"blockHash": blockHash,
		"finder":    finder,
	})
}

// RecordPayout reports a completed payout batch
func (a *Agent) RecordPayout(txID string, outputs int, total uint64) {
	if a.app == nil {
		return
	}
	a.app.RecordCustomEvent("Payout", map[string]interface{}{
		"txId":    txID,
		"outputs": outputs,
		"total":   total,
	})
}

// RecordStuckSubmission raises the alertable metric for a block
// submission that exhausted its retry budget
func (a *Agent) RecordStuckSubmission(prePowHash string, elapsed time.Duration) {
	if a.app == nil {
		return
	}
	a.app.RecordCustomMetric("Pool/StuckSubmission", elapsed.Seconds())
	a.app.RecordCustomEvent("StuckSubmission", map[string]interface{}{
		"prePowHash": prePowHash,
		"elapsedSec": elapsed.Seconds(),
	})
}

// RecordPoolHashrate reports the periodic pool hashrate sample
func (a *Agent) RecordPoolHashrate(hashrate float64) {
	if a.app == nil {
		return
	}
	a.app.RecordCustomMetric("Pool/Hashrate", hashrate)
}
