package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/toolwire/toolwire/internal/bridge"
	"github.com/toolwire/toolwire/internal/checker"
	"github.com/toolwire/toolwire/internal/config"
	"github.com/toolwire/toolwire/internal/logx"
	"github.com/toolwire/toolwire/internal/state"
	"github.com/toolwire/toolwire/internal/status"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.Config
	cfg.BindFlags()
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "toolwire version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("toolwire version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !os.IsNotExist(err) {
		logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config file")
	}
	logx.Configure(cfg.LogLevel)
	if len(cfg.Servers) == 0 {
		logx.Log.Fatal().Str("path", cfg.ConfigFile).Msg("no servers configured")
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigCh {
			logx.Log.Warn().Msg("termination requested")
			cancel()
			return
		}
	}()

	var store state.Store = state.NewMemoryStore()
	if cfg.RedisAddr != "" {
		rs, err := state.NewRedisStore(cfg.RedisAddr)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("connect redis")
		}
		store = rs
		logx.Log.Info().Str("addr", cfg.RedisAddr).Msg("using redis state store")
	}

	bridges := make([]*bridge.Bridge, 0, len(cfg.Servers))
	for _, sc := range cfg.Servers {
		b, err := bridge.Open(ctx, sc)
		if err != nil {
			logx.Log.Fatal().Err(err).Str("server", sc.Name).Msg("open bridge")
		}
		bridges = append(bridges, b)
	}
	defer func() {
		for _, b := range bridges {
			b.Stop()
		}
	}()

	if cfg.ReapInterval > 0 && cfg.StaleAfter > 0 {
		go reapLoop(ctx, bridges, cfg.ReapInterval, cfg.StaleAfter)
	}

	if cfg.StatusAddr != "" {
		handler := status.New(cfg.AllowedOrigins, snapshotter(bridges, store))
		srv := &http.Server{Addr: cfg.StatusAddr, Handler: handler}
		go func() {
			logx.Log.Info().Str("addr", cfg.StatusAddr).Msg("status server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logx.Log.Error().Err(err).Msg("status server exited")
			}
		}()
		defer func() {
			shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutCancel()
			_ = srv.Shutdown(shutCtx)
		}()
	}

	chk := checker.New(store, cfg.ClientName, cfg.RequestTimeout)
	healthy := runChecks(chk, bridges)

	if cfg.CheckInterval <= 0 && cfg.StatusAddr == "" {
		// One-shot mode: report and exit.
		for _, b := range bridges {
			b.Stop()
		}
		if !healthy {
			os.Exit(1)
		}
		return
	}

	if cfg.CheckInterval > 0 {
		go func() {
			ticker := time.NewTicker(cfg.CheckInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					runChecks(chk, bridges)
				}
			}
		}()
	}

	<-ctx.Done()
	logx.Log.Info().Msg("shutting down")
}

func runChecks(chk *checker.Checker, bridges []*bridge.Bridge) bool {
	ok := true
	for _, b := range bridges {
		if h := chk.Check(b); !h.Healthy {
			ok = false
		}
	}
	return ok
}

func reapLoop(ctx context.Context, bridges []*bridge.Bridge, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, b := range bridges {
				b.ClearStale(maxAge)
			}
		}
	}
}

func snapshotter(bridges []*bridge.Bridge, store state.Store) status.Snapshot {
	return func() []status.BridgeInfo {
		records, err := store.All()
		if err != nil {
			logx.Log.Error().Err(err).Msg("load health state")
		}
		infos := make([]status.BridgeInfo, 0, len(bridges))
		for _, b := range bridges {
			info := status.BridgeInfo{
				Name:          b.Name(),
				Transport:     b.Kind(),
				Pid:           b.Pid(),
				Pending:       b.PendingCount(),
				Notifications: b.NotificationCount(),
			}
			if h, ok := records[b.Name()]; ok {
				health := h
				info.Health = &health
			}
			infos = append(infos, info)
		}
		return infos
	}
}
