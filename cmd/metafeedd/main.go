package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"metafeed/pkg/api"
	"metafeed/pkg/banner"
	"metafeed/pkg/config"
	"metafeed/pkg/keys"
	"metafeed/pkg/logger"
	"metafeed/pkg/metafeed"
	"metafeed/pkg/security"
	"metafeed/pkg/shutdown"
	"metafeed/pkg/store"
	"metafeed/pkg/tree"
)

var version = "dev" // set via ldflags

func main() {
	_ = godotenv.Load(".env")
	addrVal, dbVal, cfgVal, setFlags := config.ParseCommandFlags()
	cfgPath := config.ResolveConfigPath(cfgVal, setFlags["config"])

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	addr := cfg.Addr()
	if setFlags["addr"] {
		addr = addrVal
	}
	dbPath := cfg.Storage.DBPath
	if setFlags["db"] {
		dbPath = dbVal
	}

	logger.InitWithLevel(cfg.Log.Level)

	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	defer cancel()

	plog, err := store.Open(filepath.Join(dbPath, "log"))
	if err != nil {
		log.Fatalf("failed to open log: %v", err)
	}
	shutdown.RegisterHook(func() {
		if err := plog.Close(); err != nil {
			logger.Error("log_close_failed", "error", err)
		}
	})

	owner, err := keys.LoadOrCreateIdentity(filepath.Join(dbPath, "identity.json"))
	if err != nil {
		log.Fatalf("failed to load identity: %v", err)
	}
	// the owner's sealing key must be in the ring before replay, or the
	// seed message stays opaque
	selfKey, err := security.SelfKey(owner)
	if err != nil {
		log.Fatalf("failed to derive sealing key: %v", err)
	}
	plog.AddBoxKey(selfKey)

	idx := tree.NewIndex(plog)
	if err := idx.Start(ctx); err != nil {
		log.Fatalf("failed to start tree index: %v", err)
	}
	shutdown.RegisterHook(idx.Stop)

	svc, err := metafeed.New(plog, idx, owner, nil)
	if err != nil {
		log.Fatalf("failed to build service: %v", err)
	}
	root, err := svc.GetOrCreateRoot(ctx)
	if err != nil {
		log.Fatalf("failed to establish root meta-feed: %v", err)
	}
	if _, err := svc.BootstrapMain(ctx); err != nil {
		log.Fatalf("failed to establish main feed: %v", err)
	}

	if err := plog.StartReindexSchedule(ctx, cfg.Reindex.Schedule); err != nil {
		log.Fatalf("failed to start reindex schedule: %v", err)
	}

	handler := api.New(svc, idx, api.Config{
		RPS:   cfg.RateLimit.RPS,
		Burst: cfg.RateLimit.Burst,
	})
	srv := &http.Server{Addr: addr, Handler: handler}
	shutdown.RegisterHook(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Error("http_shutdown_failed", "error", err)
		}
	})

	banner.Print(addr, dbPath, root.ID, version)
	logger.Info("metafeedd_started", "addr", addr, "db", dbPath, "root", root.ID)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http_server_failed", "error", err)
		}
	}
	shutdown.RunHooks()
}
