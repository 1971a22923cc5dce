package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"offmarket/config"
	"offmarket/core/events"
	"offmarket/gateway"
	gwmiddleware "offmarket/gateway/middleware"
	native "offmarket/native/market"
	"offmarket/observability/logging"
	statemarket "offmarket/state/market"
	"offmarket/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("OMX_ENV"))
	logger := logging.Setup("marketd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	if env == "" {
		env = cfg.Environment
	}
	logger.Info("configuration loaded",
		slog.String("config", *configFile),
		logging.MaskField("keystore_path", cfg.OwnerKeystorePath),
		logging.MaskField("passphrase_env", cfg.OwnerPassphraseEnv),
	)

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	ownerKey, err := cfg.OwnerKey()
	if err != nil {
		panic(fmt.Sprintf("Failed to load owner key: %v", err))
	}
	ownerAddr := ownerKey.PubKey().Address()

	store := statemarket.NewStore(db)
	if err := seedTokens(store, cfg.Tokens); err != nil {
		logger.Error("Failed to seed token registry", slog.Any("error", err))
		os.Exit(1)
	}

	registry := native.NewStaticRegistry()
	if err := bindDiscounts(registry, cfg.Discounts, store); err != nil {
		logger.Error("Failed to bind discount implementations", slog.Any("error", err))
		os.Exit(1)
	}
	engine := buildEngine(store, registry, ownerAddr.Array(), logger)

	handler, err := gateway.New(gateway.Config{
		Engine:      engine,
		Logger:      logger,
		RateLimiter: gwmiddleware.NewRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst),
	})
	if err != nil {
		logger.Error("Failed to build gateway", slog.Any("error", err))
		os.Exit(1)
	}

	apiServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddress,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("settlement API listening",
			slog.String("address", cfg.ListenAddress),
			slog.String("network", cfg.NetworkName),
			slog.String("owner", ownerAddr.String()),
		)
		errCh <- apiServer.ListenAndServe()
	}()
	go func() {
		logger.Info("metrics listening", slog.String("address", cfg.MetricsAddress))
		errCh <- metricsServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", slog.Any("error", err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(ctx)
	_ = metricsServer.Shutdown(ctx)
}

// buildEngine wires the settlement engine against the persistent store. The
// registry carries the process-local bindings (contract signers, discount
// implementations) that have no ledger representation.
func buildEngine(store *statemarket.Store, registry *native.StaticRegistry, owner [20]byte, logger *slog.Logger) *native.Engine {
	engine := native.NewEngine()
	engine.SetState(store)
	engine.SetTokens(statemarket.LedgerTokens{})
	engine.SetCheckResolver(statemarket.LedgerChecks{St: store})
	engine.SetSignerResolver(registry)
	engine.SetDiscountResolver(registry)
	engine.SetEmitter(logEmitter{logger: logger})
	engine.SetOwner(owner)
	return engine
}

// bindDiscounts registers the built-in discount implementations at the
// configured addresses. Binding alone is not enough to use one: the owner
// must still allow-list the address through the admin surface.
func bindDiscounts(registry *native.StaticRegistry, cfg config.DiscountsConfig, store *statemarket.Store) error {
	bind := func(raw string, d native.Discount) error {
		if strings.TrimSpace(raw) == "" {
			return nil
		}
		addr, err := config.DecodeAddress(raw)
		if err != nil {
			return err
		}
		registry.RegisterDiscount(addr, d)
		return nil
	}
	if err := bind(cfg.RateAddress, native.RateDiscount{}); err != nil {
		return fmt.Errorf("rate discount: %w", err)
	}
	if err := bind(cfg.FlatAddress, native.FlatDiscount{}); err != nil {
		return fmt.Errorf("flat discount: %w", err)
	}
	if err := bind(cfg.CollectionAddress, native.CollectionDiscount{
		Tokens: statemarket.LedgerTokens{},
		State:  store,
	}); err != nil {
		return fmt.Errorf("collection discount: %w", err)
	}
	return nil
}

// logEmitter mirrors engine events into the structured log.
type logEmitter struct {
	logger *slog.Logger
}

func (l logEmitter) Emit(evt events.Event) {
	if l.logger == nil || evt == nil {
		return
	}
	l.logger.Info("engine event", slog.String("event", evt.EventType()))
}

// seedTokens registers the configured asset contracts and genesis balances.
// Registration is idempotent; balances are only credited the first time a
// contract is seen so restarts do not double-fund.
func seedTokens(store *statemarket.Store, tokens config.TokensConfig) error {
	for _, f := range tokens.Fungible {
		addr, err := config.DecodeAddress(f.Address)
		if err != nil {
			return err
		}
		if _, ok := (statemarket.LedgerTokens{}).Fungible(store, addr); ok {
			continue
		}
		if err := statemarket.RegisterFungible(store, addr, f.Symbol); err != nil {
			return err
		}
		for _, b := range f.Balances {
			owner, err := config.DecodeAddress(b.Owner)
			if err != nil {
				return err
			}
			amount, err := config.DecodeAmount(b.Amount)
			if err != nil {
				return err
			}
			if err := statemarket.Credit(store, addr, owner, amount); err != nil {
				return err
			}
		}
	}
	for _, c := range tokens.Collection {
		addr, err := config.DecodeAddress(c.Address)
		if err != nil {
			return err
		}
		if _, ok := (statemarket.LedgerTokens{}).Collection(store, addr); ok {
			continue
		}
		creator, err := config.DecodeAddress(c.Creator)
		if err != nil {
			return err
		}
		if err := statemarket.RegisterCollection(store, addr, c.Symbol, creator); err != nil {
			return err
		}
	}
	return nil
}
