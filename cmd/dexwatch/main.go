// Package main provides dexwatch, a terminal watcher for one or more venue
// markets: it keeps mark price, aggregated order-book depth and reconciled
// wallet balances fresh through the async result cache and logs every change.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"solana-dex-view/internal/book"
	"solana-dex-view/internal/cache"
	"solana-dex-view/internal/config"
	"solana-dex-view/internal/market"
	"solana-dex-view/internal/observability"
	"solana-dex-view/internal/prefs"
	"solana-dex-view/internal/solana"
	"solana-dex-view/internal/wallet"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	rpcEndpoint := flag.String("rpc-endpoint", "", "Solana RPC HTTP endpoint (overrides config)")
	wsEndpoint := flag.String("ws-endpoint", "", "Solana WebSocket endpoint (overrides config)")
	owner := flag.String("owner", "", "Wallet owner address (overrides config)")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus metrics HTTP address (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logger := newLogger(*debug)
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	applyOverrides(&cfg, *rpcEndpoint, *wsEndpoint, *owner, *metricsAddr)
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}
	if len(cfg.Markets) == 0 {
		logger.Fatal("no markets configured")
	}

	store, err := prefs.Open(prefsPath(cfg))
	if err != nil {
		logger.Warn("preferences unavailable, using defaults", zap.Error(err))
		store = nil
	}
	defer store.Close()

	rpc := solana.NewHTTPClient(cfg.RPCEndpoint,
		solana.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))

	ident := wallet.NewStatic(cfg.Owner)

	c := cache.New(
		cache.WithConnectionCheck(ident.Connected),
		cache.WithLogger(logger),
	)
	defer c.Close()

	resolver := market.NewResolver(rpc, ident, cfg.ProgramID, logger)
	svc := market.NewService(c, resolver, markPolicy(cfg, store), market.Intervals{
		Orderbook: cfg.OrderbookInterval,
		Balances:  cfg.BalancesInterval,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ws *solana.WSClientImpl
	if cfg.WSEndpoint != "" {
		ws, err = solana.NewWSClient(ctx, cfg.WSEndpoint, nil, logger)
		if err != nil {
			logger.Warn("websocket unavailable, polling only", zap.Error(err))
		} else {
			defer ws.Close()
		}
	}

	for _, m := range cfg.Markets {
		watchMarket(ctx, logger, svc, resolver, ws, m, cfg.Depth)
	}

	go serveMetrics(logger, cfg.MetricsAddr)

	logger.Info("dexwatch started",
		zap.Int("markets", len(cfg.Markets)),
		zap.Bool("wallet_connected", ident.Connected()),
		zap.Bool("push_enabled", ws != nil))

	// Graceful shutdown: first signal cancels, second forces exit.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
	cancel()

	select {
	case sig := <-sigCh:
		logger.Warn("forcing immediate shutdown", zap.String("signal", sig.String()))
		os.Exit(1)
	case <-time.After(5 * time.Second):
	}
	logger.Info("shutdown complete")
}

func newLogger(debug bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

func applyOverrides(cfg *config.Config, rpc, ws, owner, metrics string) {
	if rpc != "" {
		cfg.RPCEndpoint = rpc
	}
	if ws != "" {
		cfg.WSEndpoint = ws
	}
	if owner != "" {
		cfg.Owner = owner
	}
	if metrics != "" {
		cfg.MetricsAddr = metrics
	}
}

func prefsPath(cfg config.Config) string {
	if cfg.PrefsPath != "" {
		return cfg.PrefsPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "dexwatch.db"
	}
	return home + "/.dexwatch.db"
}

func markPolicy(cfg config.Config, store *prefs.Store) book.MarkPricePolicy {
	policy := store.Get(prefs.KeyMarkPricePolicy, cfg.MarkPricePolicy)
	if policy == "median" {
		return book.MedianWithLastTrade
	}
	return book.MidpointOnly
}

// watchMarket subscribes to the market's derived views and wires push
// notifications, when available, to early cache refreshes.
func watchMarket(ctx context.Context, logger *zap.Logger, svc *market.Service, resolver *market.Resolver, ws *solana.WSClientImpl, m config.Market, depth int) {
	info := market.Info{
		Address:      m.Address,
		BaseSymbol:   m.BaseSymbol,
		QuoteSymbol:  m.QuoteSymbol,
		TickDecimals: m.TickDecimals,
	}
	log := logger.With(zap.String("market", m.BaseSymbol+"/"+m.QuoteSymbol))

	svc.SubscribeMarkPrice(info, func(u market.MarkPriceUpdate) {
		switch {
		case u.Err != nil:
			log.Warn("mark price refresh failed", zap.Error(u.Err))
		case u.HasPrice && !u.Fetching:
			log.Info("mark price", zap.String("price", u.Price.String()))
		}
	})

	svc.SubscribeOrderbook(info, depth, func(u market.OrderbookUpdate) {
		if u.Book == nil || u.Fetching {
			return
		}
		log.Debug("orderbook",
			zap.Int("bid_levels", len(u.Bids)),
			zap.Int("ask_levels", len(u.Asks)))
	})

	svc.SubscribeBalances(info, func(u market.BalancesUpdate) {
		if u.Balances == nil || u.Fetching {
			return
		}
		b := u.Balances
		log.Info("balances",
			zap.String("base_wallet", b.Base.Wallet.String()),
			zap.String("quote_wallet", b.Quote.Wallet.String()),
			zap.Bool("has_open_orders", b.Base.LockedInOrders.Valid))
	})

	if ws != nil {
		go pushRefresh(ctx, log, svc, resolver, ws, info)
	}
}

// pushRefresh subscribes to the market's book accounts over WebSocket and
// forces a cache refresh on every change, so updates land ahead of the next
// poll. Polling stays on as the consistency bound.
func pushRefresh(ctx context.Context, log *zap.Logger, svc *market.Service, resolver *market.Resolver, ws *solana.WSClientImpl, info market.Info) {
	snap, err := resolver.LoadSnapshot(ctx, info)
	if err != nil {
		log.Warn("push setup failed, polling only", zap.Error(err))
		return
	}

	for _, account := range []string{snap.State.Bids, snap.State.Asks} {
		ch, err := ws.SubscribeAccount(ctx, account)
		if err != nil {
			log.Warn("account subscribe failed", zap.String("account", account), zap.Error(err))
			continue
		}
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case _, ok := <-ch:
					if !ok {
						return
					}
					svc.RefreshOrderbook(info)
				}
			}
		}()
	}
}

func serveMetrics(logger *zap.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	logger.Info("metrics listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", zap.Error(err))
	}
}
