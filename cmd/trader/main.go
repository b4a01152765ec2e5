package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alejandrodnm/spotbot/config"
	"github.com/alejandrodnm/spotbot/internal/adapters/exchange"
	"github.com/alejandrodnm/spotbot/internal/adapters/notify"
	"github.com/alejandrodnm/spotbot/internal/adapters/oracle"
	"github.com/alejandrodnm/spotbot/internal/adapters/storage"
	"github.com/alejandrodnm/spotbot/internal/application/allocator"
	"github.com/alejandrodnm/spotbot/internal/application/engine"
	"github.com/alejandrodnm/spotbot/internal/application/risk"
	"github.com/alejandrodnm/spotbot/internal/domain"
	"github.com/alejandrodnm/spotbot/internal/metrics"
	"github.com/alejandrodnm/spotbot/internal/ports"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	once := flag.Bool("once", false, "run one trading cycle and exit")
	paper := flag.Bool("paper", false, "trade against in-memory paper venues")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	report := flag.Bool("report", false, "print stored daily summaries and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.NewSQLite(cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to open storage", "err", err, "dsn", cfg.Storage.DSN)
		os.Exit(1)
	}
	defer store.Close()
	if err := store.ApplySchema(ctx); err != nil {
		slog.Error("failed to apply schema", "err", err)
		os.Exit(1)
	}

	if *report {
		printSummaries(ctx, store)
		return
	}

	slog.Info("spotbot starting",
		"config", *configPath,
		"pairs", len(cfg.Trading.Pairs),
		"interval", cfg.CycleInterval(),
		"paper", *paper,
		"once", *once,
	)

	primary, secondary := buildVenues(ctx, cfg, *paper)
	predictor, forecaster := buildOracle(cfg)
	notifier := buildNotifier(ctx, cfg)

	if cfg.Metrics.Addr != "" {
		go serveMetrics(cfg.Metrics.Addr)
	}

	ledgers, state, initialCapital, err := engine.Bootstrap(ctx, cfg.Trading.Pairs,
		[]ports.Exchange{primary, secondary}, store)
	if err != nil {
		slog.Error("bootstrap failed", "err", err)
		os.Exit(1)
	}

	gate := risk.New(risk.Config{
		MaxDrawdown:         cfg.Risk.MaxDrawdown,
		BaseDailyLossLimit:  cfg.Risk.BaseDailyLossLimit,
		VolatilityThreshold: cfg.Risk.VolatilityThreshold,
		MinOrderNotional:    cfg.Trading.MinOrderNotional,
		MaxConcurrentPairs:  cfg.Risk.MaxConcurrentPairs,
		ForecastMultiplier:  cfg.Risk.ForecastMultiplier,
	}, initialCapital, state, forecaster)

	alloc := allocator.New(allocator.Config{
		Pairs:               cfg.Trading.Pairs,
		SafetyMargin:        cfg.Trading.SafetyMargin,
		PredictionThreshold: cfg.Trading.PredictionThreshold,
		CandleTimeframe:     cfg.Trading.CandleTimeframe,
		CandleLimit:         cfg.Trading.CandleLimit,
		ATRPeriod:           cfg.Trading.ATRPeriod,
	}, primary, secondary, predictor)

	engCfg := engine.Config{
		Pairs:               cfg.Trading.Pairs,
		CycleInterval:       cfg.CycleInterval(),
		MaxIterations:       cfg.Trading.MaxIterations,
		MinOrderNotional:    cfg.Trading.MinOrderNotional,
		MinSellNotional:     cfg.Trading.MinSellNotional,
		FixedStopLoss:       cfg.Risk.FixedStopLoss,
		EntryThreshold:      cfg.Trading.EntryThreshold,
		ExitThreshold:       cfg.Trading.ExitThreshold,
		TradeFraction:       cfg.Trading.TradeFraction,
		DepthLevels:         cfg.Trading.DepthLevels,
		BasePriceAdjustment: cfg.Trading.BasePriceAdjustment,
		BaseMaxPositionSize: cfg.Trading.BaseMaxPositionSize,
		SafetyMargin:        cfg.Trading.SafetyMargin,
		VolatilityThreshold: cfg.Risk.VolatilityThreshold,
		BaseDailyLossLimit:  cfg.Risk.BaseDailyLossLimit,
	}
	if *once {
		engCfg.MaxIterations = 1
	}

	eng := engine.New(engCfg, primary, secondary, alloc, gate, forecaster,
		notifier, store, ledgers, state, initialCapital)

	finalReport, err := eng.Run(ctx)
	printReport(finalReport)
	if err != nil {
		slog.Error("engine stopped on error", "err", err)
		os.Exit(1)
	}
	slog.Info("spotbot stopped cleanly")
}

// buildVenues returns the primary/secondary pair of venues. Paper mode gets
// two in-memory venues seeded with slightly offset prices so cross-venue
// spreads exist.
func buildVenues(ctx context.Context, cfg *config.Config, paper bool) (ports.Exchange, ports.Exchange) {
	if paper {
		a := exchange.NewPaper("paper-a", cfg.Venues.Primary.MakerFee)
		b := exchange.NewPaper("paper-b", cfg.Venues.Secondary.MakerFee)
		for i, pair := range cfg.Trading.Pairs {
			price := 100 * float64(i+1)
			a.SeedCandleWalk(pair, cfg.Trading.CandleLimit, price)
			b.SeedCandleWalk(pair, cfg.Trading.CandleLimit, price*1.002)
		}
		_, quoteAsset := splitFirstPair(cfg.Trading.Pairs)
		a.SetBalance(quoteAsset, 1000)
		b.SetBalance(quoteAsset, 1000)
		return a, b
	}

	primary := exchange.NewREST(exchange.RESTConfig{
		Name:      cfg.Venues.Primary.Name,
		BaseURL:   cfg.Venues.Primary.BaseURL,
		APIKey:    cfg.Venues.Primary.APIKey,
		APISecret: cfg.Venues.Primary.APISecret,
		MakerFee:  cfg.Venues.Primary.MakerFee,
	})
	secondary := exchange.NewREST(exchange.RESTConfig{
		Name:      cfg.Venues.Secondary.Name,
		BaseURL:   cfg.Venues.Secondary.BaseURL,
		APIKey:    cfg.Venues.Secondary.APIKey,
		APISecret: cfg.Venues.Secondary.APISecret,
		MakerFee:  cfg.Venues.Secondary.MakerFee,
	})

	if cfg.Venues.Primary.WSURL != "" {
		stream := exchange.NewTickerStream(primary, cfg.Venues.Primary.WSURL, cfg.Trading.Pairs)
		go stream.Run(ctx)
		return stream, secondary
	}
	return primary, secondary
}

func buildOracle(cfg *config.Config) (ports.Predictor, ports.LossForecaster) {
	if cfg.Oracle.BaseURL != "" {
		h := oracle.NewHTTP(cfg.Oracle.BaseURL)
		return h, h
	}
	m := oracle.NewMomentum()
	return m, m
}

func buildNotifier(ctx context.Context, cfg *config.Config) ports.Notifier {
	console := notify.NewConsole()
	if cfg.Telegram.Token != "" && cfg.Telegram.ChatID != "" {
		return notify.Fanout{console, notify.NewTelegram(ctx, cfg.Telegram.Token, cfg.Telegram.ChatID)}
	}
	return console
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	slog.Info("metrics endpoint up", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Warn("metrics server stopped", "err", err)
	}
}

func splitFirstPair(pairs []string) (string, string) {
	if len(pairs) == 0 {
		return "", "USDT"
	}
	return domain.SplitPair(pairs[0])
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
