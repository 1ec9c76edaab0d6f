package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"crypto-trading-engine/config"
	"crypto-trading-engine/internal/cache"
	"crypto-trading-engine/internal/database"
	"crypto-trading-engine/internal/decision"
	"crypto-trading-engine/internal/engine"
	"crypto-trading-engine/internal/exchange"
	"crypto-trading-engine/internal/execution"
	"crypto-trading-engine/internal/llm"
	"crypto-trading-engine/internal/logging"
	"crypto-trading-engine/internal/marketdata"
	"crypto-trading-engine/internal/memory"
	"crypto-trading-engine/internal/models"
	"crypto-trading-engine/internal/monitor"
	"crypto-trading-engine/internal/portfolio"
	"crypto-trading-engine/internal/risk"
)

func main() {
	// .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := logging.New(cfg.Logging)
	logger.Info().Str("mode", cfg.Engine.DecisionModeDefault).
		Dur("cycle_interval", cfg.Engine.CycleInterval).
		Msg("trading engine starting")

	db, err := database.New(cfg.Database, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := db.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}
	repo := database.NewRepository(db)

	cacheSvc, err := cache.New(cfg.Redis, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis cache setup failed")
	}
	defer cacheSvc.Close()

	var exClient exchange.Client
	if cfg.Exchange.APIKey == "" {
		logger.Warn().Msg("no exchange credentials, using simulated exchange")
		exClient = exchange.NewMockClient()
	} else {
		exClient = exchange.NewHTTPClient(cfg.Exchange, logger)
	}

	bots, err := repo.ListActiveBots(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("active bot load failed")
	}
	symbols := watchedSymbols(bots)

	var stream *exchange.TickerStream
	if cfg.Exchange.WSBaseURL != "" && len(symbols) > 0 {
		stream = exchange.NewTickerStream(cfg.Exchange.WSBaseURL, symbols, logger)
		stream.Start(ctx)
		defer stream.Stop()
	}

	marketData := marketdata.NewBlock(exClient, cacheSvc, logger)
	tradeMemory := memory.New(cacheSvc, logger)
	llmClient := llm.NewClient(cfg.LLM, cacheSvc, logger)

	registry := decision.NewRegistry(
		decision.NewTrinityBlock(logger),
		decision.NewLLMBlock(llmClient, tradeMemory, repo,
			cfg.LLM.PromptMaxPositions, cfg.LLM.PromptMaxContextSymbols, logger),
		decision.NewIndicatorBlock(logger),
	)

	validator := risk.NewValidator(tradeMemory, logger)
	executor := execution.NewManager(repo, exClient, tradeMemory, logger)
	stateBuilder := portfolio.NewBuilder(repo, logger)

	var priceSource monitor.PriceSource
	if stream != nil {
		priceSource = stream
	}
	posMonitor := monitor.New(repo, executor,
		priceSource,
		time.Duration(cfg.Engine.MaxHoldHours)*time.Hour,
		logger)

	orch := engine.NewOrchestrator(
		marketData, stateBuilder, posMonitor, registry, validator, executor, repo,
		cfg.Engine.CycleInterval, cfg.Engine.SummaryEveryCycles, logger)

	scheduler := engine.NewScheduler(orch, repo, tradeMemory,
		cfg.Engine.CycleInterval, cfg.Engine.ShutdownGrace, logger)

	logger.Info().Int("active_bots", len(bots)).
		Strs("symbols", symbols).Msg("engine ready")

	if err := scheduler.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("scheduler exited with error")
	}
	logger.Info().Msg("trading engine stopped")
}

// watchedSymbols is the deduplicated union of every active bot's list.
func watchedSymbols(bots []*models.Bot) []string {
	seen := make(map[string]bool)
	var symbols []string
	for _, bot := range bots {
		for _, s := range bot.Symbols {
			if !seen[s] {
				seen[s] = true
				symbols = append(symbols, s)
			}
		}
	}
	sort.Strings(symbols)
	return symbols
}
