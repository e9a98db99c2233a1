package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/btsvob/backtest-engine/internal/config"
	"github.com/btsvob/backtest-engine/internal/contract"
	"github.com/btsvob/backtest-engine/internal/executor"
	"github.com/btsvob/backtest-engine/internal/marketdata"
	"github.com/btsvob/backtest-engine/internal/server"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfgPath := os.Getenv("CONFIG")
	var cfg *config.Config
	if cfgPath != "" {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			slog.Error("config load failed", "path", cfgPath, "err", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("CONFIG not set, using built-in defaults")
		cfg = config.Default()
	}

	// --- Margin table ---
	var table *contract.Table
	if _, err := os.Stat(cfg.Data.MarginTable); err == nil {
		table, err = contract.LoadTable(cfg.Data.MarginTable)
		if err != nil {
			slog.Error("margin table load failed", "path", cfg.Data.MarginTable, "err", err)
			os.Exit(1)
		}
		slog.Info("margin table loaded", "path", cfg.Data.MarginTable)
	} else {
		slog.Warn("margin table not found, using demo table", "path", cfg.Data.MarginTable)
		table = demoTable()
	}

	// --- Bar source ---
	var source marketdata.BarSource
	var cleanup []func()

	dbURL := cfg.Data.DatabaseURL
	if env := os.Getenv("DATABASE_URL"); env != "" {
		dbURL = env
	}
	if dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		source = marketdata.NewPostgresSource(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		redisURL := cfg.Data.RedisURL
		if env := os.Getenv("REDIS_URL"); env != "" {
			redisURL = env
		}
		if redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid Redis URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			source = marketdata.NewCachedSource(source, rdb, cfg.CacheTTL())
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("no database configured, using synthetic in-memory data")
		source = demoSource(cfg)
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Run parameters ---
	startDate, _ := cfg.StartDate()
	endDate, _ := cfg.EndDate()
	initCash, _ := cfg.InitCash()
	slippage, _ := cfg.SlippageRate()

	calendar, err := source.TradingDates(context.Background(), startDate, endDate)
	if err != nil || len(calendar) == 0 {
		slog.Error("no trading calendar for the configured range", "err", err)
		os.Exit(1)
	}

	params := executor.Params{
		Calendar:           calendar,
		Frequency:          cfg.Run.Frequency,
		StartDate:          calendar[0],
		EndDate:            calendar[len(calendar)-1],
		InitCash:           initCash,
		RiskFreeRate:       cfg.Run.RiskFreeRate,
		DaysPerYear:        cfg.Run.DaysPerYear,
		TradingDaysPerYear: cfg.Run.TradingDaysPerYear,
	}

	strat := &movingAverageStrategy{
		instrument:   demoInstrument,
		window:       20,
		quantity:     decimal.NewFromInt(10),
		slippageRate: slippage,
	}

	// --- Results server ---
	srv := server.New()

	exec := executor.New(params, source, table, strat)
	exec.OnSettlement(srv.Add)

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("backtest-engine listening", "port", cfg.Server.Port)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// --- Simulation ---
	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	go func() {
		start := time.Now()
		results, err := exec.Run(runCtx)
		if err != nil {
			slog.Error("simulation failed", "err", err)
			return
		}
		srv.Finish()
		slog.Info("simulation finished",
			"settlements", len(results),
			"elapsed", time.Since(start).String(),
		)
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	runCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down backtest-engine...")
	if err := httpSrv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("backtest-engine stopped")
}
