// Command ferrumd starts a ferrum node.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ferrumchain/ferrum/config"
	"github.com/ferrumchain/ferrum/consensus"
	"github.com/ferrumchain/ferrum/core"
	"github.com/ferrumchain/ferrum/crypto/certgen"
	"github.com/ferrumchain/ferrum/events"
	"github.com/ferrumchain/ferrum/governance"
	"github.com/ferrumchain/ferrum/network"
	"github.com/ferrumchain/ferrum/rpc"
	"github.com/ferrumchain/ferrum/storage"
	"github.com/ferrumchain/ferrum/vm"
	"github.com/ferrumchain/ferrum/wallet"

	// Import VM modules to trigger their init() self-registration.
	_ "github.com/ferrumchain/ferrum/vm/modules/economy"
)

func main() {
	cfgPath := flag.String("config", "config.json", "path to config file")
	keyPath := flag.String("key", "validator.key", "path to keystore file")
	genKey := flag.Bool("genkey", false, "generate a new validator key and exit")
	genCerts := flag.String("gencerts", "", "generate CA + node TLS certs into the given directory and exit (requires node ID from config)")
	dev := flag.Bool("dev", false, "use a human-readable development logger instead of JSON production logging")
	flag.Parse()

	logger, err := newLogger(*dev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Read keystore password from environment (not CLI flags — they leak via ps).
	password := os.Getenv("TOL_PASSWORD")
	if password == "" {
		logger.Warn("TOL_PASSWORD not set — keystore will use an empty password")
	}

	// ---- generate key mode ----
	if *genKey {
		w, err := wallet.Generate()
		if err != nil {
			logger.Fatal("generate key", zap.Error(err))
		}
		if err := wallet.SaveKey(*keyPath, password, w.PrivKey()); err != nil {
			logger.Fatal("save key", zap.Error(err))
		}
		fmt.Printf("Generated key. Public key (validator address): %s\n", w.PubKey())
		fmt.Printf("Saved to: %s\n", *keyPath)
		return
	}

	// ---- generate certs mode ----
	if *genCerts != "" {
		cfgForCerts, err := loadConfig(*cfgPath, logger)
		if err != nil {
			logger.Fatal("config", zap.Error(err))
		}
		if err := certgen.GenerateAll(*genCerts, cfgForCerts.NodeID, nil); err != nil {
			logger.Fatal("gencerts", zap.Error(err))
		}
		fmt.Printf("Certificates generated in %s for node %q\n", *genCerts, cfgForCerts.NodeID)
		return
	}

	// ---- load config ----
	cfg, err := loadConfig(*cfgPath, logger)
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	// ---- load validator key ----
	privKey, err := wallet.LoadKey(*keyPath, password)
	if err != nil {
		logger.Fatal("load key", zap.Error(err))
	}

	// ---- open DB ----
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Fatal("mkdir data dir", zap.Error(err))
	}
	db, err := storage.NewLevelDB(cfg.DataDir + "/chain")
	if err != nil {
		logger.Fatal("open db", zap.Error(err))
	}
	defer db.Close()

	stateDB := db // reuse same DB with different key prefixes
	blockStore := storage.NewLevelBlockStore(db)

	// ---- initialise state ----
	state := storage.NewStateDB(stateDB)

	// ---- events ----
	// Constructed before anything that publishes or subscribes to events, so
	// every component (blockchain included) can be wired against the same bus.
	emitter := events.NewEmitter()

	// ---- initialise blockchain ----
	bc := core.NewBlockchain(blockStore, emitter)
	if err := bc.Init(); err != nil {
		logger.Fatal("blockchain init", zap.Error(err))
	}

	// ---- governance: federation roster, whitelist, metrics ----
	registry := prometheus.NewRegistry()
	metrics := governance.NewMetrics(registry)

	fm := governance.NewFederationManager(db, emitter, logger)
	if err := fm.LoadFromDisk(); err != nil {
		logger.Fatal("federation load", zap.Error(err))
	}
	fm.SetSelfKey(privKey.Public().Hex())

	whitelist := governance.NewWhitelist(db)
	if err := whitelist.LoadFromDisk(); err != nil {
		logger.Fatal("whitelist load", zap.Error(err))
	}

	// votingMgr.LoadFromDisk must run after fm/whitelist have loaded their own
	// persisted state: poll-log replay reconstructs poll bookkeeping only,
	// never re-applies the membership/whitelist side effects those polls
	// already caused.
	votingMgr := governance.NewVotingManager(db, fm, whitelist, emitter, logger, metrics, int64(cfg.Federation.MaxReorgLength))
	if err := votingMgr.LoadFromDisk(); err != nil {
		logger.Fatal("voting manager load", zap.Error(err))
	}

	tipTime := func() int64 {
		if tip := bc.Tip(); tip != nil {
			return tip.Header.Timestamp / 1e9
		}
		return time.Now().Unix()
	}
	idleKicker := governance.NewIdleKicker(db, fm, votingMgr, tipTime, logger, metrics, int64(cfg.Federation.MaxIdleSeconds))
	if err := idleKicker.LoadFromDisk(); err != nil {
		logger.Fatal("idle kicker load", zap.Error(err))
	}
	idleKicker.Subscribe(emitter)

	// Governance reacts to chain reorganization exclusively through the
	// event bus, never through a direct reference held by network.Syncer —
	// this is what lets Syncer stay ignorant of governance entirely.
	emitter.Subscribe(events.EventBlockConnected, func(ev events.Event) {
		block, _ := ev.Data["block"].(*core.Block)
		if block == nil {
			return
		}
		if err := votingMgr.OnBlockConnected(block, ev.BlockHeight); err != nil {
			logger.Fatal("voting manager: block connected", zap.Int64("height", ev.BlockHeight), zap.Error(err))
		}
	})
	emitter.Subscribe(events.EventBlockDisconnected, func(ev events.Event) {
		block, _ := ev.Data["block"].(*core.Block)
		if block == nil {
			return
		}
		if err := votingMgr.OnBlockDisconnected(block, ev.BlockHeight); err != nil {
			logger.Fatal("voting manager: block disconnected", zap.Int64("height", ev.BlockHeight), zap.Error(err))
		}
	})

	// ---- genesis block (if fresh chain) ----
	if bc.Tip() == nil {
		genesisBlock, err := config.CreateGenesisBlock(cfg, state, fm, privKey)
		if err != nil {
			logger.Fatal("genesis", zap.Error(err))
		}
		if err := bc.AddBlock(genesisBlock); err != nil {
			logger.Fatal("add genesis", zap.Error(err))
		}
		logger.Info("genesis block committed", zap.String("hash", genesisBlock.Hash))
	}

	// Seed idle tracking for every current member so a freshly started node
	// never treats members it just hasn't observed a block from yet as idle.
	if err := idleKicker.SeedColdStart(time.Now().Unix()); err != nil {
		logger.Fatal("idle kicker seed", zap.Error(err))
	}

	admin := governance.NewAdmin(votingMgr, fm, whitelist)

	// ---- mempool ----
	mempool := core.NewMempool()

	// ---- VM executor ----
	exec := vm.NewExecutor(state, emitter)

	// ---- consensus ----
	poa := consensus.New(cfg, bc, state, mempool, exec, emitter, fm, votingMgr, privKey, logger)

	// ---- TLS ----
	tlsCfg, err := config.LoadTLSConfig(cfg.TLS)
	if err != nil {
		logger.Fatal("tls", zap.Error(err))
	}
	if tlsCfg != nil {
		logger.Info("mTLS enabled for P2P")
	}

	// ---- network ----
	p2pAddr := fmt.Sprintf(":%d", cfg.P2PPort)
	node := network.NewNode(cfg.NodeID, p2pAddr, mempool, tlsCfg)
	syncer := network.NewSyncer(node, bc, poa, exec, state, int64(cfg.Federation.MaxReorgLength))
	if err := node.Start(); err != nil {
		logger.Fatal("p2p start", zap.Error(err))
	}
	defer node.Stop()
	logger.Info("p2p listening", zap.String("addr", p2pAddr))

	// ---- connect to seed peers ----
	for _, sp := range cfg.SeedPeers {
		if err := node.AddPeer(sp.ID, sp.Addr); err != nil {
			logger.Warn("seed peer connect failed", zap.String("id", sp.ID), zap.String("addr", sp.Addr), zap.Error(err))
			continue
		}
		// Trigger initial block sync with the newly connected peer.
		if peer := node.Peer(sp.ID); peer != nil {
			syncer.SyncWithPeer(peer)
		}
		logger.Info("connected to seed peer", zap.String("id", sp.ID), zap.String("addr", sp.Addr))
	}

	// ---- RPC ----
	rpcAddr := fmt.Sprintf(":%d", cfg.RPCPort)
	rpcHandler := rpc.NewHandler(bc, mempool, state, admin, cfg.Genesis.ChainID)
	rpcServer := rpc.NewServer(rpcAddr, rpcHandler, cfg.RPCAuthToken, registry)
	if err := rpcServer.Start(); err != nil {
		logger.Fatal("rpc start", zap.Error(err))
	}
	defer rpcServer.Stop()
	logger.Info("rpc listening", zap.String("addr", rpcAddr))
	if cfg.RPCAuthToken != "" {
		logger.Info("rpc bearer token authentication enabled")
	}

	// ---- consensus loop ----
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		poa.Run(2*time.Second, done)
	}()
	logger.Info("consensus running", zap.String("validator", privKey.Public().Hex()))

	// ---- graceful shutdown ----
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")

	// 1. Stop consensus first (no new blocks written)
	close(done)
	wg.Wait()

	// 2. Deferred calls run in LIFO: rpcServer.Stop → node.Stop → db.Close
	logger.Info("shutdown complete")
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func loadConfig(path string, logger *zap.Logger) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Info("config file not found, using defaults", zap.String("path", path))
			return config.DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}
