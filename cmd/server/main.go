package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ocx/boxd/internal/boxuser"
	"github.com/ocx/boxd/internal/catalog"
	"github.com/ocx/boxd/internal/config"
	"github.com/ocx/boxd/internal/identity"
	"github.com/ocx/boxd/internal/iproto"
	"github.com/ocx/boxd/internal/monitoring"
	"github.com/ocx/boxd/internal/storage"
	"github.com/ocx/boxd/internal/storage/pgengine"
	"github.com/ocx/boxd/internal/vylog"
	"github.com/ocx/boxd/internal/wal"
)

func main() {
	// A missing .env is not an error - BOXD_* overrides may come from
	// the process environment directly (container orchestration, CI).
	_ = godotenv.Load()

	cfg := config.Get()
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))
	if cfg.Logging.Format != "json" {
		log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))
	}
	slog.SetDefault(log)

	vylogWriter, walLog, err := bootstrapVylog(cfg, log)
	if err != nil {
		log.Error("vylog bootstrap failed", "error", err)
		os.Exit(1)
	}
	defer walLog.Close()

	users := boxuser.New(log, []byte(cfg.Server.AdminPassword))
	cat := catalog.New(log)
	metrics := monitoring.New()

	if err := bootstrapCatalog(cat, vylogWriter); err != nil {
		log.Error("catalog bootstrap failed", "error", err)
		os.Exit(1)
	}

	engine, closeEngine, err := bootstrapEngine(cfg, log)
	if err != nil {
		log.Error("storage engine bootstrap failed", "error", err)
		os.Exit(1)
	}
	defer closeEngine()

	srv := iproto.NewServer(log, users, cat, engine, metrics,
		cfg.Server.NetMsgMax, cfg.Server.IprotoThreads*cfg.Server.FiberPoolSizeFactor)

	if cfg.Identity.Enabled {
		verifier, err := identity.NewPeerVerifier(context.Background(), cfg.Identity.WorkloadAPISocket, cfg.Identity.TrustDomain)
		if err != nil {
			log.Error("identity verifier bootstrap failed", "error", err)
			os.Exit(1)
		}
		defer verifier.Close()
		srv.SetPeerVerifier(verifier)
	}

	monSrv := monitoring.NewServer(cfg.Monitoring.MetricsAddr, metrics)

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("received shutdown signal")
		shutdownCancel()
		srv.Close()
		if err := monSrv.Shutdown(10 * time.Second); err != nil {
			log.Error("monitoring server shutdown error", "error", err)
		}
	}()

	go func() {
		if err := monSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("monitoring server failed", "error", err)
		}
	}()

	if addr := cfg.Server.WebsocketBridgeAddr; addr != "" {
		gw := iproto.NewGateway(log, srv)
		mux := http.NewServeMux()
		mux.Handle("/ws", gw)
		gwSrv := &http.Server{Addr: addr, Handler: mux}
		go func() {
			log.Info("websocket gateway listening", "addr", addr)
			if err := gwSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("gateway server failed", "error", err)
			}
		}()
		go func() {
			<-shutdownCtx.Done()
			gwSrv.Close()
		}()
	}

	monSrv.MarkReady()

	if err := srv.ListenAndServe(shutdownCtx, cfg.Server.ListenAddr); err != nil {
		log.Error("iproto server exited", "error", err)
		os.Exit(1)
	}
}

// bootstrapVylog replays whatever vy_log WAL segment already exists,
// seeding the id allocators from its recovered graph, then opens the
// log for further appends, a recovery-then-resume sequence.
func bootstrapVylog(cfg *config.Config, log *slog.Logger) (*vylog.Writer, *wal.Log, error) {
	walPath := filepath.Join(cfg.Storage.WalDir, "vy_log.wal")

	recovery, err := vylog.Recover(walPath, ^uint64(0))
	if err != nil {
		return nil, nil, fmt.Errorf("recover %s: %w", walPath, err)
	}

	start := recovery.MaxSignature()
	if start > 0 || recovery.MaxRunID() > 0 || recovery.MaxRangeID() > 0 {
		start++
	}

	walLog, err := wal.Create(walPath, start)
	if err != nil {
		return nil, nil, fmt.Errorf("open wal %s: %w", walPath, err)
	}

	var sig atomic.Uint64
	sig.Store(start)
	sigFn := func() uint64 { return sig.Add(1) }

	writer := vylog.NewWriter(walLog, recovery.MaxRunID()+1, recovery.MaxRangeID()+1, sigFn)
	log.Info("vylog recovered", "wal_path", walPath, "max_signature", recovery.MaxSignature(),
		"max_run_id", recovery.MaxRunID(), "max_range_id", recovery.MaxRangeID())
	return writer, walLog, nil
}

// bootstrapCatalog registers the system space boxd always needs -
// _space, tracking every user space's own definition, mirroring
// tarantool's own bootstrap of its system spaces - and journals the
// primary index's creation through vylog, the same way any later
// admin-issued CreateIndex would, so a fresh data directory starts
// with a non-empty, replayable vy_log.
func bootstrapCatalog(cat *catalog.Catalog, writer *vylog.Writer) error {
	const (
		systemSpaceID = 280
		primaryIndex  = 0
	)

	if _, ok := cat.Space(systemSpaceID); ok {
		return nil
	}

	if err := cat.CreateSpace(catalog.Space{
		ID:     systemSpaceID,
		Name:   "_space",
		Engine: "memtx",
		Format: []catalog.FieldDef{
			{Name: "id", Type: "unsigned"},
			{Name: "name", Type: "string"},
		},
	}); err != nil {
		return fmt.Errorf("create _space: %w", err)
	}

	idx := catalog.IndexDef{
		ID:      primaryIndex,
		SpaceID: systemSpaceID,
		Name:    "primary",
		Type:    "tree",
		Unique:  true,
		Parts:   []catalog.IndexPart{{FieldNo: 0, Type: "unsigned"}},
	}
	if err := cat.CreateIndex(idx); err != nil {
		return fmt.Errorf("create _space:primary: %w", err)
	}

	writer.TxBegin()
	if err := writer.Write(vylog.Record{
		Type:    vylog.CreateIndex,
		IndexID: idx.ID,
		IID:     idx.ID,
		SpaceID: idx.SpaceID,
		Path:    fmt.Sprintf("%d/%d", idx.SpaceID, idx.ID),
	}); err != nil {
		writer.TxCommit()
		return fmt.Errorf("journal _space:primary: %w", err)
	}
	return writer.TxCommit()
}

// bootstrapEngine selects the storage collaborator per
// config.StorageConfig.Engine: "postgres" dials the reference adapter,
// anything else (including the empty default) falls back to the
// in-process memtx-style engine.
func bootstrapEngine(cfg *config.Config, log *slog.Logger) (storage.Engine, func() error, error) {
	if cfg.Storage.Engine == "postgres" {
		eng, err := pgengine.Open(context.Background(), cfg.Storage.PostgresDSN, log)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres engine: %w", err)
		}
		return eng, eng.Close, nil
	}
	return storage.NewMemtxEngine(), func() error { return nil }, nil
}
