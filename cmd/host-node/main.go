package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/meshcompute/host-node/pkg/capability"
	"github.com/meshcompute/host-node/pkg/checkpoint"
	"github.com/meshcompute/host-node/pkg/cleanup"
	"github.com/meshcompute/host-node/pkg/config"
	"github.com/meshcompute/host-node/pkg/contracts"
	"github.com/meshcompute/host-node/pkg/crypto/bls"
	"github.com/meshcompute/host-node/pkg/auditledger"
	"github.com/meshcompute/host-node/pkg/ethereum"
	"github.com/meshcompute/host-node/pkg/gasestimator"
	"github.com/meshcompute/host-node/pkg/host"
	"github.com/meshcompute/host-node/pkg/jobclaimer"
	"github.com/meshcompute/host-node/pkg/jobmonitor"
	"github.com/meshcompute/host-node/pkg/kvdb"
	"github.com/meshcompute/host-node/pkg/ledger"
	"github.com/meshcompute/host-node/pkg/mockengine"
	"github.com/meshcompute/host-node/pkg/orchestrator"
	"github.com/meshcompute/host-node/pkg/payment"
	"github.com/meshcompute/host-node/pkg/firestore"
	"github.com/meshcompute/host-node/pkg/result"
	"github.com/meshcompute/host-node/pkg/session"
	"github.com/meshcompute/host-node/pkg/statusmirror"
	"github.com/meshcompute/host-node/pkg/storage"
	"github.com/meshcompute/host-node/pkg/vectorloader"
)

// HealthStatus tracks the degraded/ok status of each subsystem for the
// /health endpoint.
type HealthStatus struct {
	mu         sync.RWMutex
	Status     string `json:"status"`
	Ethereum   string `json:"ethereum"`
	Storage    string `json:"storage"`
	AuditTrail string `json:"audit_trail"`
	Registered bool   `json:"registered"`
	UptimeSec  int64  `json:"uptime_seconds"`
	startTime  time.Time
}

func (h *HealthStatus) set(field *string, value string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	*field = value
}

func (h *HealthStatus) snapshot() []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.UptimeSec = int64(time.Since(h.startTime).Seconds())
	b, _ := json.Marshal(h)
	return b
}

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Printf("starting compute host node")

	var showHelp = flag.Bool("help", false, "show help message")
	flag.Parse()
	if *showHelp {
		printHelp()
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("configuration invalid: %v", err)
	}

	healthStatus := &HealthStatus{Status: "starting", startTime: time.Now()}

	log.Printf("[Ethereum] connecting to %s (chain %d)", cfg.EthereumURL, cfg.ChainID)
	ethClient, err := ethereum.NewClient(cfg.EthereumURL, cfg.ChainID)
	if err != nil {
		log.Fatalf("failed to connect to ethereum: %v", err)
	}
	if err := ethClient.VerifyChainID(context.Background()); err != nil {
		log.Fatalf("chain id verification failed: %v", err)
	}
	healthStatus.set(&healthStatus.Ethereum, "connected")
	log.Printf("[Ethereum] connected, chain id verified")

	hostAddress, err := ethereum.GetPublicAddress(cfg.HostPrivateKey)
	if err != nil {
		log.Fatalf("failed to derive host address: %v", err)
	}
	log.Printf("[Host] address: %s", hostAddress.Hex())

	addrs := contracts.Addresses{
		NodeRegistry:   common.HexToAddress(cfg.NodeRegistryAddress),
		JobMarketplace: common.HexToAddress(cfg.JobMarketplaceAddress),
		PaymentEscrow:  common.HexToAddress(cfg.PaymentEscrowAddress),
		ProofSystem:    common.HexToAddress(cfg.ProofSystemAddress),
		ModelRegistry:  common.HexToAddress(cfg.ModelRegistryAddress),
	}
	nodeRegistry := contracts.NewNodeRegistryFacade(ethClient, addrs.NodeRegistry)
	marketplace := contracts.NewJobMarketplaceFacade(ethClient, addrs.JobMarketplace)
	escrow := contracts.NewPaymentEscrowFacade(ethClient, addrs.PaymentEscrow)
	proofSystem := contracts.NewProofSystemFacade(ethClient, addrs.ProofSystem)
	modelRegistry := contracts.NewModelRegistryFacade(ethClient, addrs.ModelRegistry)

	// ------------------------------------------------------------------
	// Durable local state: checkpoint position, claim permits, rate
	// limits. Backed by CometBFT's GoLevelDB, the pack's own durable KV.
	// ------------------------------------------------------------------
	if err := os.MkdirAll(cfg.KVDir, 0o755); err != nil {
		log.Fatalf("failed to create kv dir: %v", err)
	}
	kv, err := kvdb.OpenGoLevelDB("hostnode", cfg.KVDir)
	if err != nil {
		log.Fatalf("failed to open local kv store: %v", err)
	}
	ledgerStore := ledger.NewStore(kv)

	// ------------------------------------------------------------------
	// Content-addressed blob storage for checkpoints, results, vectors.
	// ------------------------------------------------------------------
	var blobStore storage.Store
	if cfg.StoragePortalURL != "" {
		blobStore = storage.NewPortal(cfg.StoragePortalURL, cfg.StoragePortalKey, 30*time.Second)
		healthStatus.set(&healthStatus.Storage, "portal")
	} else {
		log.Printf("[Storage] STORAGE_PORTAL_URL not set — using in-memory mock store")
		blobStore = storage.NewMock(0)
		healthStatus.set(&healthStatus.Storage, "mock")
	}

	// ------------------------------------------------------------------
	// Optional durable audit trail.
	// ------------------------------------------------------------------
	var auditClient *auditledger.Client
	var auditRecorder payment.AuditRecorder
	if cfg.DatabaseURL != "" {
		client, err := auditledger.NewClient(cfg)
		if err != nil {
			log.Printf("[AuditLedger] connection failed, continuing without an audit trail: %v", err)
			healthStatus.set(&healthStatus.AuditTrail, "disconnected")
		} else {
			auditClient = client
			auditRecorder = client
			healthStatus.set(&healthStatus.AuditTrail, "connected")
			log.Printf("[AuditLedger] connected")
		}
	} else {
		log.Printf("[AuditLedger] DATABASE_URL not set — payments will not be recorded durably")
		healthStatus.set(&healthStatus.AuditTrail, "disabled")
	}

	// ------------------------------------------------------------------
	// Optional off-chain status mirror (Firestore).
	// ------------------------------------------------------------------
	var fsClient *firestore.Client
	if cfg.FirestoreEnabled {
		fsClient, err = firestore.NewClient(context.Background(), &firestore.ClientConfig{
			ProjectID:       cfg.FirebaseProjectID,
			CredentialsFile: cfg.FirebaseCredentialsFile,
			Enabled:         true,
		})
		if err != nil {
			log.Printf("[StatusMirror] firestore init failed, continuing without status mirroring: %v", err)
			fsClient = nil
		} else {
			log.Printf("[StatusMirror] publishing to Firestore project %s", cfg.FirebaseProjectID)
		}
	}
	statusMirror := statusmirror.New(fsClient, hostAddress.Hex())

	// ------------------------------------------------------------------
	// Model capability validation.
	// ------------------------------------------------------------------
	capValidator := capability.NewValidator(modelRegistry, cfg.RequireModelValidation, func(msg string) {
		log.Printf("[Capability] WARNING: %s", msg)
	})
	if cfg.ServedModelID != "" {
		if err := capValidator.ValidateStartup(context.Background(), cfg.ServedModelID); err != nil {
			log.Fatalf("model capability validation failed: %v", err)
		}
	}

	// ------------------------------------------------------------------
	// Host registration and heartbeat.
	// ------------------------------------------------------------------
	hostNode := host.NewNode(nodeRegistry, cfg.HostPrivateKey, hostAddress, cfg.HeartbeatInterval, 150_000)
	metadata := host.Metadata{
		Models:        []string{cfg.ServedModelID},
		Hardware:      cfg.Hardware,
		MemoryGB:      uint32(cfg.MemoryGB),
		PricePerToken: cfg.PricePerToken,
		MaxConcurrent: uint32(cfg.MaxConcurrentReq),
	}
	if err := hostNode.Register(context.Background(), big.NewInt(cfg.StakeAmountWei), metadata); err != nil {
		log.Fatalf("host registration failed: %v", err)
	}
	healthStatus.Registered = true
	hostNode.StartHeartbeat(context.Background())
	log.Printf("[Host] registered and heartbeating every %s", cfg.HeartbeatInterval)

	// ------------------------------------------------------------------
	// Job monitor + claimer.
	// ------------------------------------------------------------------
	monitorCfg := jobmonitor.DefaultConfig(addrs.JobMarketplace)
	monitorCfg.PollInterval = cfg.PollInterval
	monitorCfg.ConfirmationDepth = cfg.ConfirmationDepth
	monitorCfg.BlockLookback = cfg.BlockLookback
	monitorCfg.RetryDelay = cfg.RetryDelay
	monitor := jobmonitor.NewMonitor(ethClient, ledgerStore, monitorCfg)

	gasEstimator := gasestimator.New(ethClient, cfg.CheckpointGasLimit, 21_000)

	claimer := jobclaimer.NewClaimer(marketplace, capValidator, ledgerStore, cfg.HostPrivateKey, jobclaimer.Config{
		MaxConcurrentJobs:  cfg.MaxConcurrentJobs,
		MinPaymentPerToken: weiFromFloat(cfg.MinPaymentPerToken),
		MaxGasPriceWei:     big.NewInt(cfg.MaxGasPriceWei),
		MinProfitMarginBps: cfg.MinProfitMarginBps,
		ClaimRetryAttempts: cfg.ClaimRetryAttempts,
		RetryDelay:         cfg.RetryDelay,
		GasLimit:           250_000,
	})

	// ------------------------------------------------------------------
	// Token checkpointer, result submitter, payment claimer, cleanup.
	// ------------------------------------------------------------------
	if err := bls.Initialize(); err != nil {
		log.Fatalf("failed to initialize BLS: %v", err)
	}
	var signingKey *bls.PrivateKey
	if cfg.CheckpointSigningKeyHex != "" {
		signingKey, err = bls.PrivateKeyFromHex(cfg.CheckpointSigningKeyHex)
		if err != nil {
			log.Fatalf("failed to load checkpoint signing key: %v", err)
		}
	} else {
		log.Printf("[Checkpoint] CHECKPOINT_SIGNING_KEY not set — generating an ephemeral key for this run")
		signingKey, _, err = bls.GenerateKeyPair()
		if err != nil {
			log.Fatalf("failed to generate checkpoint signing key: %v", err)
		}
	}

	tracker := checkpoint.New(blobStore, proofSystem, signingKey, hostAddress.Hex(), cfg.HostPrivateKey, checkpoint.Config{
		Threshold:     cfg.CheckpointThreshold,
		RetryAttempts: 3,
		RetryDelay:    cfg.RetryDelay,
		GasLimit:      cfg.CheckpointGasLimit,
	})

	resultService := result.New(blobStore, proofSystem, hostAddress.Hex(), cfg.HostPrivateKey, result.Config{
		CompressionThreshold: cfg.ResultCompressionBytes,
		MaxResultSize:        cfg.ResultMaxBytes,
		RetryAttempts:        3,
		RetryDelay:           cfg.RetryDelay,
		GasLimit:             cfg.ResultGasLimit,
	})

	paymentClaimer := payment.New(escrow, auditRecorder, cfg.HostPrivateKey, payment.Config{
		MinClaimAmount:       big.NewInt(cfg.MinClaimAmountWei),
		MinWithdrawalAmount:  big.NewInt(cfg.MinWithdrawalWei),
		AccumulatorThreshold: big.NewInt(cfg.AccumulatorThreshold),
		GasLimit:             cfg.PaymentGasLimit,
		RetryAttempts:        3,
		RetryDelay:           cfg.RetryDelay,
	})
	_ = paymentClaimer // driven from the job-completion dispatch loop below

	sweeper := cleanup.New(blobStore, cfg.CleanupSweepInterval)

	vecLoader := vectorloader.New(blobStore, vectorloader.Config{
		Parallelism: vectorloader.DefaultChunkParallelism,
		Timeout:     30 * time.Second,
	})

	// ------------------------------------------------------------------
	// Session manager, rate limiter, inference orchestrator.
	// ------------------------------------------------------------------
	rateLimiter := session.NewRateLimiter(ledgerStore, time.Minute, 120)
	sessionMgr := session.NewManager(rateLimiter, nil)
	engine := mockengine.New(4)
	router := orchestrator.New(engine, tracker, sessionMgr, vecLoader)
	sessionMgr.SetHandlers(router.Handlers())

	// ------------------------------------------------------------------
	// Background loops.
	// ------------------------------------------------------------------
	ctx, cancel := context.WithCancel(context.Background())

	if err := monitor.Start(ctx); err != nil {
		log.Fatalf("failed to start job monitor: %v", err)
	}
	sweeper.Start(ctx)

	go dispatchEvents(ctx, monitor, claimer, gasEstimator, cfg.ServedModelID)
	go mirrorClaimerEvents(ctx, claimer, statusMirror)
	go mirrorHealthPeriodically(ctx, statusMirror, healthStatus, 30*time.Second)

	// ------------------------------------------------------------------
	// HTTP surface: WebSocket session upgrade + health.
	// ------------------------------------------------------------------
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(healthStatus.snapshot())
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		jobID := r.URL.Query().Get("job_id")
		owner := r.URL.Query().Get("owner")
		if err := sessionMgr.Upgrade(w, r, jobID, owner); err != nil {
			log.Printf("[Session] upgrade failed: %v", err)
		}
	})

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		log.Printf("[HTTP] listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	healthStatus.set(&healthStatus.Status, "ok")
	log.Printf("host node ready")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("shutting down")
	cancel()
	monitor.Stop()
	sweeper.Stop()
	hostNode.StopHeartbeat()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http server shutdown error: %v", err)
	}
	if auditClient != nil {
		if err := auditClient.Close(); err != nil {
			log.Printf("audit ledger close error: %v", err)
		}
	}
	if fsClient != nil {
		if err := fsClient.Close(); err != nil {
			log.Printf("firestore client close error: %v", err)
		}
	}
	log.Printf("host node stopped")
}

// dispatchEvents fans out decoded marketplace events to the job
// claimer; only JobPosted events are actionable here.
func dispatchEvents(ctx context.Context, monitor *jobmonitor.Monitor, claimer *jobclaimer.Claimer, gas *gasestimator.Estimator, modelID string) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-monitor.Events():
			if !ok {
				return
			}
			posted, ok := ev.(*contracts.JobPostedEvent)
			if !ok {
				continue
			}
			claimer.Evaluate(ctx, posted, modelID, gas)
		case err, ok := <-monitor.Errors():
			if !ok {
				continue
			}
			log.Printf("[JobMonitor] error: %v", err)
		}
	}
}

// mirrorClaimerEvents publishes each claim outcome to the status
// mirror; a nil or disabled mirror makes every call a no-op.
func mirrorClaimerEvents(ctx context.Context, claimer *jobclaimer.Claimer, mirror *statusmirror.Mirror) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-claimer.Claimed():
			if !ok {
				return
			}
			mirror.PublishJobStatus(ctx, statusmirror.JobStatus{
				JobID:  ev.JobID.String(),
				State:  "Claimed",
				TxHash: ev.TxHash,
			})
		case ev, ok := <-claimer.Dropped():
			if !ok {
				continue
			}
			mirror.PublishJobStatus(ctx, statusmirror.JobStatus{
				JobID:  ev.JobID.String(),
				State:  "Dropped",
				Reason: ev.Reason,
			})
		}
	}
}

// mirrorHealthPeriodically publishes the host's /health status on a
// fixed interval.
func mirrorHealthPeriodically(ctx context.Context, mirror *statusmirror.Mirror, health *HealthStatus, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			health.mu.RLock()
			status := health.Status
			health.mu.RUnlock()
			mirror.PublishHealth(ctx, status)
		}
	}
}

func weiFromFloat(v float64) *big.Int {
	bf := new(big.Float).SetFloat64(v)
	out, _ := bf.Int(nil)
	return out
}

func printHelp() {
	fmt.Println("host-node: decentralized AI-inference marketplace compute host")
	fmt.Println()
	fmt.Println("Configuration is read entirely from the environment; see pkg/config for variable names.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  -help    show this message")
}
