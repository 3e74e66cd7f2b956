// vapiorcd is the VM orchestration daemon: it maintains a warm pool of
// ready-to-use Windows VMs inside KVM-enabled containers, assigns them to
// callers on demand, and destroys them on release.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vapiorc/vapiorc/internal/api"
	"github.com/vapiorc/vapiorc/internal/cache"
	"github.com/vapiorc/vapiorc/internal/config"
	"github.com/vapiorc/vapiorc/internal/container"
	"github.com/vapiorc/vapiorc/internal/lifecycle"
	"github.com/vapiorc/vapiorc/internal/macs"
	"github.com/vapiorc/vapiorc/internal/ports"
	"github.com/vapiorc/vapiorc/internal/registry"
	"github.com/vapiorc/vapiorc/internal/version"
	"github.com/vapiorc/vapiorc/internal/workspace"
)

func main() {
	cfg := config.FromEnv()

	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	log := logrus.NewEntry(logger)

	if err := cfg.EnsureDirs(); err != nil {
		log.WithError(err).Fatal("create workspace directories")
	}

	store, err := registry.Open(cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("open registry")
	}
	defer store.Close()

	var c cache.Cache = cache.Noop{}
	if cfg.RedisURL != "" {
		rc, err := cache.NewRedis(cfg.RedisURL, log)
		if err != nil {
			log.WithError(err).Fatal("connect redis")
		}
		defer rc.Close()
		c = rc
	}

	ws := workspace.NewStore(cfg.GoldenImagesPath, cfg.InstancesPath, log)
	macreg := macs.NewRegistry(cfg.GoldenImagesPath, cfg.InstancesPath, c, log)
	alloc := ports.NewAllocator(cfg.PortRangeStart, cfg.PortRangeEnd, log)
	driver := container.NewDockerCLI("", log)
	mgr := lifecycle.NewManager(cfg, store, ws, driver, alloc, macreg, log)

	server := api.NewServer(cfg, mgr, macreg, log)
	if err := server.Start(); err != nil {
		log.WithError(err).Fatal("start API server")
	}

	log.WithFields(logrus.Fields{
		"pid":        os.Getpid(),
		"version":    version.Version(),
		"listen":     cfg.ListenAddr,
		"vm_type":    cfg.VMType,
		"hot_spares": cfg.HotSpareCount,
	}).Info("vapiorcd ready")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	// One replenisher pass at startup so the pool fills without waiting for
	// the first request. Failure here is not fatal: the next trigger retries.
	g.Go(func() error {
		if err := mgr.EnsureHotSpares(gctx, cfg.VMType); err != nil {
			log.WithError(err).Error("startup replenish")
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Stop(sctx)
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("shutdown")
	}
	log.Info("vapiorcd stopped")
}
