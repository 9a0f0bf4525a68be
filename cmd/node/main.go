package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/finchain/ledgerengine/params"
	"github.com/finchain/ledgerengine/pkg/abci"
	"github.com/finchain/ledgerengine/pkg/api"
	"github.com/finchain/ledgerengine/pkg/consensus"
	"github.com/finchain/ledgerengine/pkg/crypto"
	"github.com/finchain/ledgerengine/pkg/engine"
	"github.com/finchain/ledgerengine/pkg/p2p"
	"github.com/finchain/ledgerengine/pkg/storage"
	"github.com/finchain/ledgerengine/pkg/store"
	"github.com/finchain/ledgerengine/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	// Setup logging (write to both console and file)
	logFile := os.Getenv("LOG_FILE")
	if logFile == "" {
		logFile = "data/node.log"
	}

	logger, err := util.NewLoggerWithFile(logFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", logFile)

	// ---- Engine: ledger/matching/credit state machine ----
	dbPath := os.Getenv("DATA_DIR")
	if dbPath == "" {
		dbPath = "data/state"
	}
	chainID := os.Getenv("CHAIN_ID")
	if chainID == "" {
		chainID = "ledgerengine-devnet"
	}
	quota := 10000
	if q := os.Getenv("BLOCK_QUOTA"); q != "" {
		if n, err := strconv.Atoi(q); err == nil {
			quota = n
		}
	}

	os.MkdirAll(dbPath, 0755)
	s, err := store.Open(dbPath)
	if err != nil {
		sugar.Fatalw("store_open_failed", "path", dbPath, "err", err)
	}
	eng := engine.New(s, chainID, quota)

	app := abci.NewEngineApp(eng)
	bridge := &abci.Bridge{App: app}

	// ---- Consensus ----
	selfID := consensus.NodeID(cfg.Consensus.Validators[0])

	// Build validator set from config
	var ids []consensus.NodeID
	for _, v := range cfg.Consensus.Validators {
		ids = append(ids, consensus.NodeID(v))
	}

	// For single-node development: only use this validator
	// For multi-node: use all validators
	// TODO: Proper peer discovery & dynamic validator set
	singleNodeMode := cfg.Node.SingleNode
	if singleNodeMode {
		ids = []consensus.NodeID{selfID}
	}

	// Quorum: N validators, need 2f+1 = 2*t+1 where N=3t+1
	n := len(ids)
	t := (n - 1) / 3

	state := &consensus.State{
		Q:       consensus.Quorum{N: n, T: t},
		SelfID:  selfID,
		Blocks:  make(map[consensus.Hash]consensus.Block),
		Genesis: consensus.GenesisBlock(),
	}
	safety := consensus.NewSafety(state)
	pm := consensus.NewPacemaker(
		consensus.PacemakerTimers{Ppc: cfg.Consensus.Ppc, Delta: cfg.Consensus.Delta},
		util.RealClock{},
		state,
	)

	// Network: always use libp2p (works for any number of validators)
	elec := consensus.RoundRobinElector{IDs: ids}
	var signer interface{} = crypto.DummySigner{}

	lpn, err := p2p.NewLibp2pNet(context.Background(), p2p.Libp2pConfig{
		ListenAddr: os.Getenv("LISTEN"),
		Bootstrap:  []string{},
		SelfID:     state.SelfID,
		Quorum:     state.Q,
		Logger:     sugar,
	})
	if err != nil {
		sugar.Fatalw("libp2p_init_failed", "err", err)
	}
	net := lpn

	consensusEngine := consensus.NewEngine(state, safety, pm, bridge, net, elec, signer)
	consensusEngine.Logger = sugar
	consensusEngine.Store = storage.NewInMemoryBlockStore()

	// Control logging verbosity via env var (default: quiet)
	if os.Getenv("VERBOSE") == "true" {
		consensusEngine.VerboseLogging = true
		sugar.Info("verbose logging enabled")
	}

	sugar.Infow("block_time_config", "min_block_time_ms", cfg.Node.MinBlockTime.Milliseconds())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Logging control: log every N blocks to reduce noise
	logInterval := consensus.Height(100)
	lastLoggedHeight := consensus.Height(0)

	sugar.Infow("node_starting",
		"config_validators", len(cfg.Consensus.Validators),
		"active_validators", len(ids),
		"single_node_mode", singleNodeMode,
		"quorum_need", 2*t+1)

	// ---- API Server ----
	apiServer := api.NewServer(eng, app)
	apiAddr := os.Getenv("API_ADDR")
	if apiAddr == "" {
		apiAddr = ":8080"
	}

	go func() {
		sugar.Infow("api_server_starting", "addr", apiAddr)
		if err := apiServer.Start(apiAddr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	// Broadcast every registered market's orderbook after each finalized
	// block — the engine has no per-trade hook of its own (matching is
	// block-synchronous), so this runs once per commit instead.
	app.OnTrade = func(height int64, failed, applied int) {
		for _, market := range eng.Markets() {
			apiServer.BroadcastOrderbook(market, height)
		}
	}

	// Start consensus engine (HotStuff Run loop)
	// Leader actively proposes, followers reactively respond
	go func() {
		if err := consensusEngine.Run(ctx); err != nil && ctx.Err() == nil {
			sugar.Fatalw("engine_failed", "err", err)
		}
	}()

	// Progress logging loop
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Log progress every logInterval blocks
			if state.Height-lastLoggedHeight >= logInterval || state.Height <= 5 {
				sugar.Infow("consensus_progress",
					"height", state.Height,
					"view", state.View,
					"blocks_since_last_log", state.Height-lastLoggedHeight)
				lastLoggedHeight = state.Height
			}
		}
	}
}
