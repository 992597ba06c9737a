// Command linkbroker is the broker process: it loads configuration, opens
// the store, wires every internal package together, and serves the /v1
// API surface. Wiring order and the signal-driven shutdown follow the
// teacher's cmd/nexus/main.go (build client, build manager, start
// background loop, build router, serve) generalized with a graceful
// http.Server.Shutdown instead of a bare ListenAndServe, since a broker
// mid-flight on webhook delivery shouldn't be killed out from under its
// worker pool.
package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/linkbroker/linkbroker/internal/authn"
	"github.com/linkbroker/linkbroker/internal/config"
	"github.com/linkbroker/linkbroker/internal/crypto"
	"github.com/linkbroker/linkbroker/internal/dispatch"
	"github.com/linkbroker/linkbroker/internal/httpapi"
	"github.com/linkbroker/linkbroker/internal/obslog"
	"github.com/linkbroker/linkbroker/internal/oauthstate"
	"github.com/linkbroker/linkbroker/internal/provider"
	"github.com/linkbroker/linkbroker/internal/provider/gmail"
	"github.com/linkbroker/linkbroker/internal/ratelimit"
	"github.com/linkbroker/linkbroker/internal/store/gormstore"
	"github.com/linkbroker/linkbroker/internal/token"
	"github.com/linkbroker/linkbroker/internal/version"
	"github.com/linkbroker/linkbroker/internal/webhook"
	"go.uber.org/zap"
)

const currentKeyVersion crypto.KeyVersion = 1

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("linkbroker: config: " + err.Error())
	}

	log := obslog.New(cfg.Mode == config.ModeDevelopment)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := gormstore.Open(cfg.DatabaseURL, log)
	if err != nil {
		log.Fatal("open store", zap.Error(err))
	}

	keyring, err := crypto.NewKeyring(cfg.MasterKey, currentKeyVersion)
	if err != nil {
		log.Fatal("build keyring", zap.Error(err))
	}

	if descriptors, err := provider.LoadCatalogFile(cfg.ProviderCatalogPath); err != nil {
		log.Warn("provider catalog not loaded, continuing with none registered", zap.Error(err))
	} else if err := provider.SeedDescriptors(ctx, st, keyring, descriptors); err != nil {
		log.Fatal("seed provider descriptors", zap.Error(err))
	}

	registry := provider.NewRegistry()
	if cfg.GoogleClientID != "" && cfg.GoogleClientSecret != "" {
		descriptor, err := st.GetProviderDescriptor(ctx, gmail.Name)
		if err != nil {
			log.Warn("gmail descriptor not found, adapter not registered", zap.Error(err))
		} else {
			registry.Register(gmail.New(cfg.GoogleClientID, cfg.GoogleClientSecret, descriptor.AuthorizationURL, descriptor.TokenURL))
		}
	} else {
		log.Warn("LINKBROKER_GOOGLE_CLIENT_ID/SECRET not set, gmail adapter not registered")
	}
	registry.Freeze()

	hooks := webhook.New(st, keyring, log)
	go hooks.Run(ctx)
	defer hooks.Stop()

	auth := authn.New(st, keyring)
	states := oauthstate.New(st, registry, log, cfg.OAuthCallback)
	tokens := token.New(st, keyring, registry, log, hooks)
	dispatcher := dispatch.New(st, registry, tokens, log)

	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := states.SweepExpired(ctx); err != nil {
					log.Warn("sweep expired oauth state", zap.Error(err))
				}
			}
		}
	}()

	var limiter *ratelimit.Limiter
	if cfg.RedisAddr != "" {
		limiter = ratelimit.New(cfg.RedisAddr, cfg.RateLimitPerMin)
		defer limiter.Close()
	}

	router := httpapi.NewRouter(httpapi.Deps{
		Store:      st,
		Keyring:    keyring,
		Auth:       auth,
		States:     states,
		Dispatcher: dispatcher,
		Webhooks:   hooks,
		RateLimit:  limiter,
		Log:        log,
	})

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  cfg.RequestDeadline,
		WriteTimeout: cfg.RequestDeadline,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("server shutdown", zap.Error(err))
		}
	}()

	log.Info("linkbroker listening",
		zap.String("addr", cfg.ListenAddr),
		zap.Strings("providers", registry.Names()),
		zap.String("version", version.Version),
		zap.String("commit", version.Commit))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("server failed", zap.Error(err))
	}
}
