package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dc0d/onexit"

	"github.com/chazu/codever/config"
	"github.com/chazu/codever/diag"
	"github.com/chazu/codever/rejit"
	"github.com/chazu/codever/server"
)

const shutdownTimeout = 5 * time.Second

func runServe(cfg *config.Config, verbose bool, tick time.Duration) error {
	h := newHost(cfg)
	log.Infof("loaded %d modules, %d method instantiations", len(cfg.Modules), len(h.methods()))

	var journal *diag.Journal
	if cfg.Diagnostics.Journal != "" {
		var err error
		journal, err = diag.OpenJournal(cfg.Path(cfg.Diagnostics.Journal))
		if err != nil {
			return err
		}
		h.mgr.AddObserver(journal)
	}

	bodies := server.NewBodyStore()
	rj := rejit.NewManager(h.mgr, bodies)
	rj.SetEnabled(cfg.ReJIT.Enabled)
	srv := server.New(h.mgr, rj, h.registry, bodies)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var once sync.Once
	drain := func() {
		once.Do(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warningf("server shutdown: %v", err)
			}
			h.shutdown()
			if cfg.Diagnostics.Snapshot != "" {
				path := cfg.Path(cfg.Diagnostics.Snapshot)
				if err := diag.WriteFile(path, diag.Capture(h.mgr, h.registry.AllMethods()...)); err != nil {
					log.Errorf("snapshot: %v", err)
				} else {
					log.Infof("snapshot written to %s", path)
				}
			}
			if journal != nil {
				if err := journal.Err(); err != nil {
					log.Errorf("journal: %v", err)
				}
				journal.Close()
			}
		})
	}
	onexit.Register(drain)

	go h.run(ctx, tick)
	if cfg.Dir != "" {
		go func() {
			err := config.Watch(ctx, cfg.Dir, func(next *config.Config) {
				rj.SetEnabled(next.ReJIT.Enabled)
				configureLogging(next, verbose)
				h.reload(next)
				log.Noticef("reloaded %s (rejit enabled: %v)", config.FileName, next.ReJIT.Enabled)
			}, func(err error) {
				log.Warningf("config reload: %v", err)
			})
			if err != nil {
				log.Warningf("config watch: %v", err)
			}
		}()
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe(cfg.Server.Address) }()

	var err error
	select {
	case <-ctx.Done():
		log.Notice("shutting down")
	case err = <-errc:
	}
	drain()
	return err
}
