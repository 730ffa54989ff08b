package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/relayforge/relay-node/api"
	"github.com/relayforge/relay-node/counters"
	"github.com/relayforge/relay-node/db/metadb"
	"github.com/relayforge/relay-node/forwarder"
	"github.com/relayforge/relay-node/log"
	"github.com/relayforge/relay-node/nonce"
	"github.com/relayforge/relay-node/policy"
	"github.com/relayforge/relay-node/relay"
	"github.com/relayforge/relay-node/signer"
	"github.com/relayforge/relay-node/signer/awskms"
	"github.com/relayforge/relay-node/storage"
	"github.com/relayforge/relay-node/tracker"
	"github.com/relayforge/relay-node/web3"
	"github.com/relayforge/relay-node/web3/rpc"
)

// Services holds all the running services
type Services struct {
	Storage *storage.Storage
	Policy  *policy.Engine
	Chains  *web3.Chains
	Tracker *tracker.Tracker
	API     *api.API
}

func main() {
	// Load configuration
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logging
	log.Init(cfg.Log.Level, cfg.Log.Output, nil)
	log.Infow("starting relay-node", "version", Version)

	// Validate configuration
	if err := validateConfig(cfg); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup services
	services, err := setupServices(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to setup services: %v", err)
	}
	defer shutdownServices(services)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Infow("received signal, shutting down", "signal", sig.String())
}

// setupServices initializes and starts all required services
func setupServices(ctx context.Context, cfg *Config) (*Services, error) {
	services := &Services{}

	// Initialize storage database
	dbTarget := path.Join(cfg.Datadir, "relaydb")
	if cfg.DB.Type == metadb.TypeMongo {
		dbTarget = cfg.DB.URL
	}
	log.Infow("initializing storage", "datadir", cfg.Datadir, "type", cfg.DB.Type)
	database, err := metadb.New(cfg.DB.Type, dbTarget)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	services.Storage = storage.New(database)

	// Usage counters share the storage database under their own prefix
	counterStore := counters.NewStore(services.Storage.Database(), cfg.Policy.CounterRetention)

	// Start policy engine
	log.Infow("starting policy engine", "reloadInterval", cfg.Policy.ReloadInterval.String())
	services.Policy, err = policy.NewEngine(services.Storage, counterStore, cfg.Policy.ReloadInterval)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	services.Policy.Start(ctx)

	// Dial the configured networks
	networks := make(map[string]web3.NetworkParams, len(cfg.Networks))
	domains := make(map[string]forwarder.Domain, len(cfg.Networks))
	for _, name := range cfg.Networks {
		net, err := networkConfig(cfg, name)
		if err != nil {
			return nil, err
		}
		forwarderAddr := common.HexToAddress(net.ForwarderAddr)
		networks[name] = web3.NetworkParams{
			ChainID:      net.ChainID,
			RPCEndpoints: net.RPCEndpoints,
			Forwarder:    forwarderAddr,
		}
		domains[name] = forwarder.Domain{ChainID: net.ChainID, Forwarder: forwarderAddr}
		log.Infow("using network", "network", name, "chainId", net.ChainID,
			"forwarder", net.ForwarderAddr, "endpoints", len(net.RPCEndpoints))
	}
	services.Chains, err = web3.NewChains(ctx, rpc.NewWeb3Pool(), networks)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize web3 clients: %w", err)
	}

	// Initialize the relayer signer
	sig, err := newSigner(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize signer: %w", err)
	}
	log.Infow("relayer account ready", "kind", cfg.Signer.Kind, "address", sig.Address().Hex())

	// Request verifier with the hard ceilings
	ceilings := forwarder.Ceilings{MaxGasLimit: cfg.Relay.MaxGasLimit}
	if cfg.Relay.MaxTxValue != "" {
		maxValue, ok := new(big.Int).SetString(cfg.Relay.MaxTxValue, 10)
		if !ok {
			return nil, fmt.Errorf("invalid relay.maxtxvalue %q", cfg.Relay.MaxTxValue)
		}
		ceilings.MaxTxValue = maxValue
	}
	verifier := forwarder.NewVerifier(domains, ceilings)

	// Submission pipeline. Cursor positions survive restarts through the
	// storage backend, and every boot forces them through a resync so a
	// persisted position can only rise.
	alloc := nonce.NewPersistentAllocator(services.Storage.Database(), cfg.Relay.MaxWaiters)
	relayChains := make(map[string]relay.ChainClient, len(cfg.Networks))
	trackerChains := make(map[string]tracker.ChainClient, len(cfg.Networks))
	for _, name := range cfg.Networks {
		chain := services.Chains.Get(name)
		relayChains[name] = chain
		trackerChains[name] = chain
		pending, err := chain.PendingNonceAt(ctx, sig.Address())
		if err != nil {
			return nil, fmt.Errorf("failed to read pending nonce on %s: %w", name, err)
		}
		next, err := alloc.Resync(ctx, name, sig.Address(), pending)
		if err != nil {
			return nil, fmt.Errorf("failed to resync nonce cursor on %s: %w", name, err)
		}
		log.Infow("nonce cursor ready", "network", name, "next", next)
	}
	pipeline := relay.New(verifier, services.Policy, alloc, sig, relayChains, services.Storage, relay.Config{
		FeeMultiplierPercent: cfg.Relay.FeeMultiplierPercent,
		GasHeadroomPercent:   cfg.Relay.GasHeadroomPercent,
		RequestTimeout:       cfg.Relay.Timeout,
	})

	// Start confirmation tracker
	log.Infow("starting confirmation tracker",
		"scanInterval", cfg.Tracker.ScanInterval.String(),
		"graceWindow", cfg.Tracker.GraceWindow.String())
	services.Tracker = tracker.New(services.Storage, alloc, trackerChains, tracker.Config{
		ScanInterval: cfg.Tracker.ScanInterval,
		GraceWindow:  cfg.Tracker.GraceWindow,
	})
	services.Tracker.Start(ctx)

	// Start API service
	log.Infow("starting API service", "host", cfg.API.Host, "port", cfg.API.Port)
	services.API, err = api.New(&api.APIConfig{
		Host:    cfg.API.Host,
		Port:    cfg.API.Port,
		Storage: services.Storage,
		Relayer: pipeline,
		Policy:  services.Policy,
		KnownNetwork: func(name string) bool {
			return services.Chains.Get(name) != nil
		},
		ReadyCheck: readyCheck(services, sig.Address()),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start API service: %w", err)
	}

	log.Info("relay-node is running, ready to sponsor transactions!")
	return services, nil
}

// newSigner builds the relayer signer selected by the configuration.
func newSigner(ctx context.Context, cfg *Config) (signer.Signer, error) {
	switch cfg.Signer.Kind {
	case signerKindLocal:
		return signer.NewLocal(cfg.Signer.PrivKey)
	case signerKindAWSKMS:
		return awskms.New(ctx, cfg.Signer.KMSKeyID)
	}
	return nil, fmt.Errorf("unknown signer kind %q", cfg.Signer.Kind)
}

// readyCheck probes the storage backend and every configured network. The
// node is ready only when all of them answer; a drained relayer account is
// reported but does not flip readiness.
func readyCheck(services *Services, relayer common.Address) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			if _, err := services.Storage.ListRules(); err != nil {
				return fmt.Errorf("storage: %w", err)
			}
			return nil
		})
		for _, name := range services.Chains.Networks() {
			chain := services.Chains.Get(name)
			g.Go(func() error {
				if _, err := chain.HeadBlock(ctx); err != nil {
					return fmt.Errorf("network %s: %w", chain.Network(), err)
				}
				balance, err := chain.RelayerBalance(ctx, relayer)
				if err != nil {
					return fmt.Errorf("network %s: %w", chain.Network(), err)
				}
				if balance.Sign() == 0 {
					log.Warnw("relayer account has no funds", "network", chain.Network())
				}
				return nil
			})
		}
		return g.Wait()
	}
}

// shutdownServices gracefully shuts down all services
func shutdownServices(services *Services) {
	if services == nil {
		return
	}

	// Stop services in reverse order of startup
	if services.Tracker != nil {
		services.Tracker.Close()
	}
	if services.Policy != nil {
		services.Policy.Close()
	}
	if services.Storage != nil {
		services.Storage.Close()
	}
}
