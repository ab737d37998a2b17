// kas-pool - PPLNS mining pool for the Kaspa block-DAG
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kas-network/kas-pool/internal/account"
	"github.com/kas-network/kas-pool/internal/api"
	"github.com/kas-network/kas-pool/internal/config"
	"github.com/kas-network/kas-pool/internal/jobs"
	"github.com/kas-network/kas-pool/internal/ledger"
	"github.com/kas-network/kas-pool/internal/newrelic"
	"github.com/kas-network/kas-pool/internal/notify"
	"github.com/kas-network/kas-pool/internal/policy"
	"github.com/kas-network/kas-pool/internal/pool"
	"github.com/kas-network/kas-pool/internal/profiling"
	"github.com/kas-network/kas-pool/internal/rpc"
	"github.com/kas-network/kas-pool/internal/storage"
	"github.com/kas-network/kas-pool/internal/stratum"
	"github.com/kas-network/kas-pool/internal/util"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

// Exit codes: 0 normal shutdown, 1 configuration failure, 2 node RPC
// unreachable at startup
const (
	exitOK              = 0
	exitConfig          = 1
	exitNodeUnreachable = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("kas-pool v%s (built %s)\n", version, buildTime)
		return exitOK
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitConfig
	}

	if err := util.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return exitConfig
	}

	util.Infof("kas-pool v%s starting", version)

	redis, err := storage.NewRedisClient(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		util.Errorf("Failed to connect to Redis: %v", err)
		return exitConfig
	}
	defer redis.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node := rpc.NewClient(cfg.Node.URL, cfg.Node.Timeout)
	stream := rpc.NewEventStream(cfg.Node.WSURL)
	defer stream.Close()

	var sender account.PayoutSender
	if cfg.Payouts.Enabled && cfg.Payouts.WalletRPC != "" {
		sender = rpc.NewWalletClient(cfg.Payouts.WalletRPC, cfg.Payouts.WalletUser, cfg.Payouts.WalletPassword)
		util.Infof("Wallet RPC client initialized: %s", cfg.Payouts.WalletRPC)
	}

	nrAgent := newrelic.NewAgent(&cfg.NewRelic)
	if err := nrAgent.Start(); err != nil {
		util.Errorf("Failed to start New Relic agent: %v", err)
	}
	defer nrAgent.Stop()

	notifier := notify.NewNotifier(&cfg.Notify, cfg.Pool.Name)

	shareLedger := ledger.New(cfg.PPLNS.Window)

	templates := jobs.NewService(node, stream, cfg.Pool.PayAddress, cfg.Pool.Identity, cfg.Templates.DAAWindow)

	blockAccount := account.New(redis, sender, node, cfg.Pool.Fee, cfg.Pool.FeeAddress, cfg.Payouts.Threshold)
	blockAccount.SetNotifier(notifier)
	blockAccount.SetAgent(nrAgent)

	policyServer := policy.NewServer(&cfg.Security)
	policyServer.Start()
	defer policyServer.Stop()

	stratumServer := stratum.NewServer(cfg, policyServer, shareLedger, templates)
	stratumServer.SetAgent(nrAgent)

	orchestrator := pool.New(cfg, templates, stratumServer, shareLedger, blockAccount, redis, nrAgent)
	if err := orchestrator.Start(ctx); err != nil {
		util.Errorf("Failed to start pool: %v", err)
		return exitNodeUnreachable
	}
	defer orchestrator.Stop()

	if err := stratumServer.Start(); err != nil {
		util.Errorf("Failed to start stratum server: %v", err)
		return exitConfig
	}
	defer stratumServer.Stop()

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg, redis, shareLedger, blockAccount, stratumServer, version)
		if err := apiServer.Start(); err != nil {
			util.Errorf("Failed to start API server: %v", err)
			return exitConfig
		}
		defer apiServer.Stop()
	}

	var pprofServer *profiling.Server
	if cfg.Profiling.Enabled {
		pprofServer = profiling.NewServer(&cfg.Profiling)
		if err := pprofServer.Start(); err != nil {
			util.Errorf("Failed to start pprof server: %v", err)
		} else {
			defer pprofServer.Stop()
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	util.Info("Pool started successfully. Press Ctrl+C to stop.")
	<-sigChan
	util.Info("Shutting down...")

	return exitOK
}
