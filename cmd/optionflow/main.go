// optionflow turns a live broker market-data feed into gated option-trading
// decisions.
//
// Pipeline:
//  1. Establish the broker session (REST access token + feed token)
//  2. Resolve configured symbols against the scrip master
//  3. Subscribe the streaming feed for the resolved tokens
//  4. Evaluate buyer/seller momentum engines per tick, per instrument
//  5. Gate candidates through risk rules, arbitrate, and emit decisions
//  6. Monitor open positions for target/stop/trailing/time exits
//
// Decisions are forwarded to the execution collaborator (paper broker in dry
// run) and appended to the audit trail.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/arjunm-dev/optionflow/internal/broker"
	"github.com/arjunm-dev/optionflow/internal/config"
	"github.com/arjunm-dev/optionflow/internal/decision"
	"github.com/arjunm-dev/optionflow/internal/engine"
	"github.com/arjunm-dev/optionflow/internal/execution"
	"github.com/arjunm-dev/optionflow/internal/feed"
	"github.com/arjunm-dev/optionflow/internal/instruments"
	"github.com/arjunm-dev/optionflow/internal/metrics"
	"github.com/arjunm-dev/optionflow/internal/notify"
	"github.com/arjunm-dev/optionflow/internal/positions"
	"github.com/arjunm-dev/optionflow/internal/risk"
	"github.com/arjunm-dev/optionflow/internal/session"
	"github.com/arjunm-dev/optionflow/internal/storage"
	"github.com/arjunm-dev/optionflow/internal/strategy"
)

const version = "1.0.0"

func main() {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file, using environment")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().Str("version", version).Bool("dry_run", cfg.DryRun).Msg("🚀 optionflow starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.Serve(cfg.MetricsAddr)

	// Session manager owns auth; gateway and feed read tokens through it.
	sessions := session.NewManager(session.Config{
		BaseURL:     cfg.BrokerBaseURL,
		TokenSkew:   cfg.TokenSkew,
		MaxRetries:  cfg.LoginRetries,
		BackoffBase: cfg.LoginBackoff,
		HTTPTimeout: cfg.HTTPTimeout,
	}, session.Credentials{
		ClientCode: cfg.ClientCode,
		APIKey:     cfg.APIKey,
		TOTP:       cfg.TOTP,
	})

	gateway := broker.NewClient(broker.Config{
		BaseURL: cfg.BrokerBaseURL,
		Budgets: map[broker.Class]broker.Budget{
			broker.ClassAuth:   {RPS: cfg.AuthRPS, Burst: cfg.AuthBurst},
			broker.ClassQuote:  {RPS: cfg.QuoteRPS, Burst: cfg.QuoteBurst},
			broker.ClassChain:  {RPS: cfg.ChainRPS, Burst: cfg.ChainBurst},
			broker.ClassMaster: {RPS: cfg.MasterRPS, Burst: cfg.MasterBurst},
		},
		MaxRetries:  cfg.MaxRetries,
		BackoffBase: cfg.BackoffBase,
		HTTPTimeout: cfg.HTTPTimeout,
	}, sessions)

	// A failed first login is fatal: nothing downstream can run without a
	// session.
	if err := sessions.Login(ctx); err != nil {
		log.Fatal().Err(err).Msg("broker login failed")
	}

	resolver := instruments.NewResolver(gateway.ScripMaster)
	if err := resolver.Refresh(ctx); err != nil {
		log.Fatal().Err(err).Msg("scrip master load failed")
	}

	var tokens []string
	for _, symbol := range cfg.Symbols {
		ref, err := resolver.Resolve(symbol)
		if err != nil {
			log.Fatal().Err(err).Str("symbol", symbol).Msg("unresolvable symbol")
		}
		tokens = append(tokens, ref.Token)
	}
	if len(tokens) == 0 {
		log.Fatal().Msg("no symbols configured (SYMBOLS env)")
	}

	store, err := storage.Open(cfg.DatabaseURL, cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("storage open failed")
	}

	subscriber := feed.NewSubscriber(feed.Config{
		URL:          cfg.FeedURL,
		ReconnectMin: cfg.ReconnectMin,
		ReconnectMax: cfg.ReconnectMax,
		TickBuffer:   cfg.TickBuffer,
	}, sessions.FeedToken)

	st := cfg.Strategy
	buyer := strategy.NewBuyer(strategy.Params{
		MomentumThreshold: st.Buyer.MomentumThreshold,
		MomentumTicks:     st.Buyer.MomentumTicks,
		MaxVolatility:     st.Buyer.MaxVolatility,
	})
	seller := strategy.NewSeller(strategy.Params{
		MomentumThreshold: st.Seller.MomentumThreshold,
		MomentumTicks:     st.Seller.MomentumTicks,
		MaxVolatility:     st.Seller.MaxVolatility,
	})

	gate := risk.NewGate(risk.GateConfig{
		MaxSpreadPct:      st.Risk.MaxSpreadPct,
		MinVolume:         st.Risk.MinVolume,
		MaxPositions:      st.Risk.MaxPositions,
		MaxExposure:       st.Risk.MaxExposure,
		Cooldown:          st.Risk.Cooldown.Std(),
		VolatilityCeiling: st.Risk.VolatilityCeiling,
	})

	exits := risk.NewExitEvaluator(risk.ExitConfig{
		TargetPct:           st.Exit.TargetPct,
		StopPct:             st.Exit.StopPct,
		TrailingEnabled:     st.Exit.TrailingEnabled,
		TrailingArmPct:      st.Exit.TrailingArmPct,
		TrailingDistancePct: st.Exit.TrailingDistancePct,
		MaxHold:             st.Exit.MaxHold.Std(),
	})

	monitor := positions.NewMonitor(store)
	decisions := decision.NewService(store, sessions.Valid, st.Risk.Quantity)
	executor := execution.NewPaperBroker()
	if !cfg.DryRun {
		log.Warn().Msg("live execution not configured, decisions fill on the paper broker")
	}

	eng := engine.New(engine.Config{
		QueueSize:    cfg.TickBuffer / 4,
		WindowSize:   st.Buyer.WindowSize,
		WindowMaxAge: st.Buyer.WindowMaxAge.Std(),
	}, subscriber, resolver, buyer, seller, gate, exits, decisions, monitor, executor)

	if cfg.TelegramToken != "" {
		if tg, err := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID); err != nil {
			log.Warn().Err(err).Msg("telegram disabled")
		} else {
			eng.SetNotifier(tg)
		}
	}

	if err := subscriber.Connect(ctx, tokens); err != nil {
		log.Fatal().Err(err).Msg("feed connect failed")
	}
	eng.Start(ctx)

	// Block until shutdown signal, then drain cleanly: engine close → feed
	// unsubscribe/close → cancel ctx so blocked gateway/session calls fail
	// fast.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	eng.Stop()
	cancel()
	log.Info().Msg("bye 👋")
}
