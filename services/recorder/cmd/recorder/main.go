package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"recapai/internal/usertoken"
	"recapai/internal/util"
	"recapai/services/recorder/internal/app"
	"recapai/services/recorder/internal/config"
	"recapai/services/recorder/internal/server"
)

const shutdownGrace = 20 * time.Second

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel, cfg.LogFormat)

	verifyKeys, err := cfg.VerifyKeys()
	if err != nil {
		util.Fatal(logger, "invalid internal verify keys", "err", err)
	}
	jwtLeeway, err := config.ParseDuration(cfg.JWTLeeway, 0)
	if err != nil {
		util.Fatal(logger, "invalid jwt leeway", "err", err)
	}
	users, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:    cfg.AuthJWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     jwtLeeway,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		util.Fatal(logger, "failed to init jwks verifier", "err", err)
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		util.Fatal(logger, "invalid trusted proxy list", "err", err)
	}

	appCfg, err := cfg.AppConfig()
	if err != nil {
		util.Fatal(logger, "invalid runtime config", "err", err)
	}
	rt, err := app.New(appCfg)
	if err != nil {
		util.Fatal(logger, "failed to init app", "err", err)
	}
	defer rt.Close()

	// A crash can leave staged uploads and half-written objects behind.
	// Reservations of the dead process expire on their own; the ledger is
	// shared, so usage is only rebuilt by `recapctl quota recompute`.
	rt.SweepLeftovers(time.Hour)

	httpServer, err := server.New(server.Config{
		App:                         rt.App,
		Hub:                         rt.Hub,
		Users:                       users,
		Audit:                       rt.Audit,
		InternalJWTKeyID:            cfg.InternalJWTKeyID,
		InternalJWTPublicKeyPath:    cfg.InternalJWTPublicKeyPath,
		InternalJWTVerifyPublicKeys: verifyKeys,
		InternalAllowedIssuers:      cfg.InternalAllowedIssuers,
		CORSAllowedOrigins:          cfg.CORSAllowedOrigins,
		TrustedProxies:              trusted,
	})
	if err != nil {
		util.Fatal(logger, "failed to init server", "err", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// Uploads are long streams guarded by the per-read idle deadline, so
		// there is no whole-request read or write timeout.
		IdleTimeout: 60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("recorder server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("recorder stopped", "err", err)
		rt.Close()
		os.Exit(1)
	}
	logger.Info("recorder stopped")
}
