package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ymiyake/flyerbot/config"
	"github.com/ymiyake/flyerbot/internal/adapters/bitflyer"
	"github.com/ymiyake/flyerbot/internal/adapters/notify"
	"github.com/ymiyake/flyerbot/internal/adapters/paper"
	"github.com/ymiyake/flyerbot/internal/adapters/storage"
	"github.com/ymiyake/flyerbot/internal/domain"
	"github.com/ymiyake/flyerbot/internal/engine"
	"github.com/ymiyake/flyerbot/internal/ports"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	once := flag.Bool("once", false, "run one cycle and exit")
	dryRun := flag.Bool("dry-run", false, "simulate orders locally, never hit the private API")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	report := flag.Bool("report", false, "print order tables and profit history, then exit")
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

	slog.Info("flyerbot starting",
		"config", *configPath,
		"interval", cfg.TickInterval(),
		"dry_run", *dryRun,
		"once", *once,
		"products", len(cfg.Products),
	)

	loc, err := time.LoadLocation(cfg.Exchange.Timezone)
	if err != nil {
		slog.Error("invalid timezone", "err", err, "timezone", cfg.Exchange.Timezone)
		os.Exit(1)
	}

	store, profits, closeStore, err := openStorage(cfg.Storage)
	if err != nil {
		slog.Error("failed to open storage", "err", err)
		os.Exit(1)
	}
	defer closeStore()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *report {
		if err := runReport(ctx, cfg, store, profits); err != nil {
			slog.Error("report failed", "err", err)
			os.Exit(1)
		}
		return
	}

	client := bitflyer.NewClient(cfg.Exchange.BaseURL, cfg.Exchange.APIKey, cfg.Exchange.APISecret, loc)

	var (
		exchange ports.Exchange = client
		market   ports.MarketData
	)
	summarizer := bitflyer.NewSummarizer(client, cfg.Storage.Dir)
	market = summarizer

	if *dryRun {
		sim := paper.NewExchange(map[string]float64{"JPY": 1_000_000})
		exchange = sim
		market = &paper.PriceFeed{Inner: summarizer, Exchange: sim}
		slog.Info("dry run: orders are simulated locally")
	}

	notifier := buildNotifier(cfg.Notify)

	eng := engine.New(exchange, market, store, profits, notifier, buildPlans(cfg), cfg.TickInterval(), loc)

	if *once {
		result, err := eng.RunOnce(ctx)
		if err != nil {
			slog.Error("cycle failed", "err", err)
			os.Exit(1)
		}
		slog.Info("cycle done", "products", result.Products, "skipped", result.Skipped,
			"warnings", len(result.Warnings))
		return
	}

	if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("engine exited with error", "err", err)
		os.Exit(1)
	}
	slog.Info("flyerbot stopped cleanly")
}

// openStorage selects the persistence backend. Both backends serve the
// TableStore and ProfitStore ports.
func openStorage(cfg config.StorageConfig) (ports.TableStore, ports.ProfitStore, func(), error) {
	switch cfg.Backend {
	case "sqlite":
		s, err := storage.NewSQLiteStore(cfg.DSN)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, s, func() { s.Close() }, nil
	default:
		s := storage.NewCSVStore(cfg.Dir)
		return s, s, func() {}, nil
	}
}

func buildNotifier(cfg config.NotifyConfig) ports.Notifier {
	if cfg.WebhookURL == "" {
		return notify.NewLog()
	}
	wh, err := notify.NewWebhook(cfg.WebhookURL, time.Duration(cfg.TimeoutSeconds)*time.Second)
	if err != nil {
		slog.Warn("webhook disabled", "err", err)
		return notify.NewLog()
	}
	return notify.Multi{notify.NewLog(), wh}
}

// buildPlans maps the YAML product entries onto engine plans. Disabled terms
// and slots are dropped here so the engine only ever sees live strategy.
func buildPlans(cfg *config.Config) []engine.ProductPlan {
	plans := make([]engine.ProductPlan, 0, len(cfg.Products))
	for _, p := range cfg.Products {
		plan := engine.ProductPlan{Code: p.Code}
		plan.Long = buildTermPolicy(p.Long)
		plan.Short = buildTermPolicy(p.Short)
		if p.DCA != nil && p.DCA.Enabled {
			plan.DCA = &engine.DCAPolicy{
				Cycle:       p.DCA.Cycle,
				CeilingRate: p.DCA.CeilingRate,
				Buy: engine.BuyParams{
					MinSize:   p.DCA.MinSize,
					MinVolume: p.DCA.MinVolume,
					MaxVolume: p.DCA.MaxVolume,
					// The ceiling already gates DCA buys; the parabola gets
					// a neutral setting.
					MaxBuyRate: p.DCA.CeilingRate,
				},
			}
		}
		plans = append(plans, plan)
	}
	return plans
}

func buildTermPolicy(tc *config.TermConfig) *engine.TermPolicy {
	if tc == nil || !tc.Enabled {
		return nil
	}
	policy := &engine.TermPolicy{
		Buy: engine.BuyParams{
			MaxBuyRate: tc.MaxBuyPriceRate,
			MinGapRate: tc.MinLocalPriceGapRate,
			MinSize:    tc.MinSize,
			MinVolume:  tc.MinVolume,
			MaxVolume:  tc.MaxVolume,
		},
		MinRewardRate: tc.MinRewardRate,
	}
	for _, cycle := range domain.Cycles {
		cc, ok := tc.Cycles[cycle]
		if !ok || !cc.Enabled {
			continue
		}
		policy.Slots = append(policy.Slots, engine.CycleSlot{
			Cycle:     cycle,
			SellRate:  cc.SellRate,
			SellPrice: cc.SellPrice,
		})
	}
	if len(policy.Slots) == 0 {
		return nil
	}
	return policy
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
