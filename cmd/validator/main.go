// Command validator is the composition root: it wires the Validator
// Registry, Mempool, Block Authenticator, Message Stream, Block Store,
// Signature primitive, Gateway, and Consensus Replica together, then
// runs the node with an ordered startup and graceful shutdown until
// terminated.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/teamTripCode/tc-validator-node/pkg/block"
	cfgpkg "github.com/teamTripCode/tc-validator-node/pkg/config"
	"github.com/teamTripCode/tc-validator-node/pkg/consensus/messages"
	"github.com/teamTripCode/tc-validator-node/pkg/consensus/registry"
	"github.com/teamTripCode/tc-validator-node/pkg/consensus/replica"
	ctypes "github.com/teamTripCode/tc-validator-node/pkg/consensus/types"
	"github.com/teamTripCode/tc-validator-node/pkg/crypto"
	"github.com/teamTripCode/tc-validator-node/pkg/gateway"
	"github.com/teamTripCode/tc-validator-node/pkg/mempool"
	"github.com/teamTripCode/tc-validator-node/pkg/storage/blockstore"
	"github.com/teamTripCode/tc-validator-node/pkg/storage/kv"
	"github.com/teamTripCode/tc-validator-node/pkg/stream"
	"github.com/teamTripCode/tc-validator-node/pkg/utils"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := cfgpkg.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logCfg := utils.DefaultLogConfig()
	logCfg.Level = cfg.LogLevel
	logCfg.NodeID = cfg.NodeID
	log, err := utils.NewLogger(logCfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Shutdown()

	auditCfg := utils.DefaultAuditConfig()
	auditCfg.FilePath = cfg.AuditLogPath
	auditCfg.NodeID = cfg.NodeID
	audit, err := utils.NewAuditLogger(auditCfg)
	if err != nil {
		return fmt.Errorf("init audit logger: %w", err)
	}
	defer audit.Close()

	cryptoSvc, err := loadSigningKey(cfg)
	if err != nil {
		return fmt.Errorf("init crypto: %w", err)
	}

	kvClient, err := kv.Dial(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("dial redis: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := kvClient.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	db, err := blockstore.NewConnection(ctx, blockstore.DefaultConnectionConfig(cfg.PostgresDSN))
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	if _, err := db.ExecContext(ctx, blockstore.Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	store := blockstore.NewPostgresStore(db)

	auditRecorder := utils.NewAuditLoggerAdapter(audit)

	validatorSource := kv.NewValidatorSource(kvClient)
	regCfg := registry.DefaultConfig()
	regCfg.LocalAddress = cryptoSvc.LocalAddress()
	reg := registry.New(regCfg, validatorSource, log, auditRecorder)
	if err := reg.Start(ctx); err != nil {
		return fmt.Errorf("start registry: %w", err)
	}
	defer reg.Stop()

	codec, err := messages.New(messages.DefaultConfig(), cryptoSvc)
	if err != nil {
		return fmt.Errorf("init message codec: %w", err)
	}

	mpCfg := mempool.DefaultConfig()
	mpCfg.GasPrice = cfg.GasPrice
	mp := mempool.New(mpCfg, nil, log)
	go sweepLoop(ctx, mp, mpCfg.SweepEvery)

	auth := block.New(cryptoSvc)

	bcast := gateway.Loopback{}

	var repl *replica.Replica
	consumer := stream.New(kvClient, codec, func(ctx context.Context, m *ctypes.ConsensusMessage) error {
		if repl == nil {
			return fmt.Errorf("validator: replica not yet initialized")
		}
		return repl.ProcessQueued(ctx, m)
	}, log)
	if err := consumer.Start(ctx); err != nil {
		return fmt.Errorf("start stream consumer: %w", err)
	}
	defer consumer.Stop()

	replCfg := replica.DefaultConfig()
	replCfg.ViewChangeTimeout = cfg.ViewChangeTimeout
	replCfg.HeartbeatInterval = cfg.HeartbeatInterval
	replCfg.RoundTick = cfg.RoundTick
	replCfg.MaxBlockTx = cfg.MaxBlockTx
	replCfg.BlockReward = cfg.BlockReward

	repl = replica.New(replCfg, reg, codec, mp, auth, store, bcast, consumer, cryptoSvc, log, auditRecorder)
	if err := repl.Start(ctx); err != nil {
		return fmt.Errorf("start replica: %w", err)
	}
	defer repl.Stop()

	go serveMetrics(ctx, log, cfg.MetricsPort, reg)

	log.InfoContext(ctx, "validator node started", zap.String("local_address", cryptoSvc.LocalAddress().String()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received")
	return nil
}

func loadSigningKey(cfg *cfgpkg.Config) (*crypto.Service, error) {
	if cfg.SigningKeySeedHex == "" {
		return crypto.GenerateEphemeral()
	}
	seed, err := hex.DecodeString(cfg.SigningKeySeedHex)
	if err != nil {
		return nil, fmt.Errorf("decode signing key seed: %w", err)
	}
	return crypto.NewFromSeed(seed)
}

func sweepLoop(ctx context.Context, mp *mempool.Mempool, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			mp.Sweep(time.Now())
		}
	}
}

func serveMetrics(ctx context.Context, log *utils.Logger, port int, reg *registry.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/validators/", func(w http.ResponseWriter, req *http.Request) {
		raw := req.URL.Path[len("/validators/"):]
		b, err := hex.DecodeString(raw)
		if err != nil || len(b) != len(ctypes.Address{}) {
			http.Error(w, "invalid validator address", http.StatusBadRequest)
			return
		}
		var addr ctypes.Address
		copy(addr[:], b)
		info, ok := reg.ResolveAddress(addr)
		if !ok {
			http.NotFound(w, req)
			return
		}
		fmt.Fprintf(w, "address=%s stake=%d reputation=%d status=%s\n",
			info.Address.String(), info.Stake, info.Reputation, info.Status.String())
	})
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WarnContext(ctx, "metrics server stopped", zap.Error(err))
	}
}
