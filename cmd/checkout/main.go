package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/rosa-flowers/checkout/internal/handlers"
	"github.com/rosa-flowers/checkout/internal/payments"
	"github.com/rosa-flowers/checkout/internal/platform/config"
	"github.com/rosa-flowers/checkout/internal/platform/observability"
	"github.com/rosa-flowers/checkout/internal/storefront"
)

func main() {
	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("checkout")

	cfg, err := config.Load()
	if err != nil {
		var validation *config.ValidationError
		if errors.As(err, &validation) {
			logger.Fatal("invalid configuration", zap.Strings("fields", validation.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	httpClient := &http.Client{Timeout: cfg.Storefront.Timeout}
	storefrontLogger := logger.Named("storefront")
	clientFactory := func(tokens storefront.TokenSource) (*storefront.Client, error) {
		return storefront.NewClient(storefront.ClientConfig{
			BaseURL:                 cfg.Storefront.BaseURL,
			Tokens:                  tokens,
			HTTPClient:              httpClient,
			Logger:                  storefrontLogger,
			BreakerFailureThreshold: cfg.Storefront.BreakerFailures,
			BreakerOpenFor:          cfg.Storefront.BreakerOpenFor,
		})
	}

	paymentLogger := observability.EventLogger(logger.Named("payments"))
	var stripeProvider *payments.StripeProvider
	if cfg.PSP.Provider == "stripe" {
		stripeProvider, err = payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey:   cfg.PSP.StripeAPIKey,
			Currency: cfg.PSP.Currency,
			Logger:   paymentLogger,
		})
		if err != nil {
			logger.Fatal("failed to initialise stripe provider", zap.Error(err))
		}
	}
	paymentFactory := func(client *storefront.Client) (*payments.Manager, error) {
		storefrontProvider, err := payments.NewStorefrontProvider(client)
		if err != nil {
			return nil, err
		}
		providers := map[string]payments.Provider{
			"storefront": storefrontProvider,
		}
		if stripeProvider != nil {
			providers["stripe"] = stripeProvider
		}
		return payments.NewManager(providers, cfg.PSP.Provider)
	}

	registry := handlers.NewSessionRegistry(cfg.Checkout.SessionTTL, time.Now)
	registry.StartSweeper(time.Minute)
	defer registry.Close()

	checkoutHandlers, err := handlers.NewCheckoutHandlers(handlers.CheckoutHandlersDeps{
		Registry:   registry,
		Clients:    clientFactory,
		Payments:   paymentFactory,
		ReturnURL:  cfg.Checkout.ReturnURL,
		OrdersPath: cfg.Checkout.OrdersPath,
		Logger:     logger.Named("handlers"),
	})
	if err != nil {
		logger.Fatal("failed to initialise checkout handlers", zap.Error(err))
	}

	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(),
	}

	router := handlers.NewRouter(
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(nil)),
		handlers.WithCheckoutRoutes(checkoutHandlers.Routes),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("checkout service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}
