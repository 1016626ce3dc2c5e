package app

import (
	"context"
	goerr "errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/adcplatform/adc/pkg/attempts"
	"github.com/adcplatform/adc/pkg/authapi"
	"github.com/adcplatform/adc/pkg/identity"
	"github.com/adcplatform/adc/pkg/identity/store"
	"github.com/adcplatform/adc/pkg/kernel"
	"github.com/adcplatform/adc/pkg/keystore"
	"github.com/adcplatform/adc/pkg/logger"
	"github.com/adcplatform/adc/pkg/modules"
	"github.com/adcplatform/adc/pkg/tokens"
	"github.com/adcplatform/adc/pkg/tokens/storage"
	"github.com/adcplatform/adc/pkg/workers"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Boot the kernel and serve the platform APIs",
	Long: `Boot the module kernel, load the application descriptor document, and
serve the session and identity APIs over HTTP.

The ADC_ENV environment variable selects the runtime profile: "production"
marks every session cookie Secure and disables hot reload; any other value
runs the development profile, where SIGHUP reloads the application.`,
	RunE: runServe,
}

const (
	envProduction = "production"

	defaultGracefulTimeout = 30 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 30 * time.Second
	serverIdleTimeout      = 60 * time.Second

	janitorInterval = time.Minute
)

func init() {
	serveCmd.Flags().String("config", "", "Application descriptor document to load")
	serveCmd.Flags().String("listen", ":8080", "Address to listen on")
	serveCmd.Flags().String("db", "adc.db", "SQLite database path (\":memory:\" for ephemeral)")
	serveCmd.Flags().String("redis-url", "", "Redis URL for token and attempt state (in-memory when empty)")
	serveCmd.Flags().String("modules-root", "modules", "Directory tree with per-module .env and defaults.json files")
	serveCmd.Flags().String("cookie-domain", "", "Domain attribute for the refresh cookie")
	serveCmd.Flags().String("public-url", "", "External base URL used for OAuth redirects")

	for _, name := range []string{
		"config", "listen", "db", "redis-url", "modules-root", "cookie-domain", "public-url",
	} {
		if err := viper.BindPFlag(name, serveCmd.Flags().Lookup(name)); err != nil {
			logger.Fatalf("Failed to bind %s flag: %v", name, err)
		}
	}
	viper.SetEnvPrefix("ADC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	env := os.Getenv("ADC_ENV")
	if env == "" {
		env = "development"
	}
	production := env == envProduction

	listen := viper.GetString("listen")
	logger.Infow("starting platform", "env", env, "listen", listen)

	k := kernel.New()
	loader := modules.NewLoader(k, viper.GetString("modules-root"))

	keys, err := keystore.NewRandom()
	if err != nil {
		return fmt.Errorf("failed to create key store: %w", err)
	}

	tokenRepo, counters, err := sessionState(ctx)
	if err != nil {
		return err
	}

	tok := tokens.NewService(keys, tokenRepo, tokens.Config{})

	db, err := store.Open(ctx, viper.GetString("db"))
	if err != nil {
		return fmt.Errorf("failed to open identity store: %w", err)
	}
	defer db.Close()

	id := identity.NewService(db, tok, k.CapabilityKey())
	if err := id.Seed(ctx); err != nil {
		return fmt.Errorf("failed to seed identity data: %w", err)
	}

	tracker := attempts.NewTracker(counters, attempts.Callbacks{
		UpdateBlockStatus: func(ctx context.Context, userID string, status attempts.Status) error {
			return id.Users().SetBlockStatus(ctx, userID, status.BlockedUntil, status.Permanent)
		},
		SendAlert: func(_ context.Context, userID, reason string) error {
			logger.Warnw("account blocked", "userId", userID, "reason", reason)
			return nil
		},
		EraseTokens: tok.RevokeUserSessions,
	})

	providers, err := oauthProviders(ctx)
	if err != nil {
		return err
	}

	auth := authapi.NewHandler(id, tok, tracker, providers, authapi.Config{
		SecureCookies: production,
		CookieDomain:  viper.GetString("cookie-domain"),
	})

	pool := workers.NewPool(workers.Config{})

	registerPlatformModules(k, pool)
	registerBuiltinFactories(loader, pool)

	var doc *modules.Descriptor
	if configPath := viper.GetString("config"); configPath != "" {
		data, err := os.ReadFile(configPath) //nolint:gosec // operator-supplied path
		if err != nil {
			return fmt.Errorf("failed to read descriptor document: %w", err)
		}
		doc, err = loader.LoadDocument(ctx, data)
		if err != nil {
			return fmt.Errorf("failed to load descriptor document: %w", err)
		}
		logger.Infow("application loaded", "app", doc.Name)
	}

	if err := k.Start(ctx); err != nil {
		return fmt.Errorf("failed to start kernel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
		defer cancel()
		k.Stop(shutdownCtx)
	}()

	if doc != nil {
		if production {
			logger.Info("hot reload disabled in production")
		} else {
			go watchReload(ctx, k, doc.Ref())
		}
	}

	server := &http.Server{
		Addr:         listen,
		Handler:      platformRouter(auth),
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Server listening on %s", listen)
		if err := server.ListenAndServe(); err != nil && !goerr.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
		return err
	}

	logger.Info("Server shutdown complete")
	return nil
}

// sessionState builds the refresh-token repository and attempt counters,
// Redis-backed when a URL is configured so state is shared across nodes.
func sessionState(ctx context.Context) (storage.Store, attempts.Counters, error) {
	redisURL := viper.GetString("redis-url")
	if redisURL == "" {
		repo := storage.NewMemoryStore()
		go repo.RunJanitor(ctx, janitorInterval)
		counters := attempts.NewMemoryCounters()
		go counters.RunJanitor(ctx)
		return repo, counters, nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, nil, fmt.Errorf("cannot reach redis: %w", err)
	}
	return storage.NewRedisStoreWithClient(client, "adc:tokens:"),
		attempts.NewRedisCounters(client, "adc:attempts:"), nil
}

// oauthProviders builds the configured external login providers. A provider
// is enabled by exporting its client ID and secret.
func oauthProviders(ctx context.Context) ([]authapi.Provider, error) {
	base := strings.TrimSuffix(viper.GetString("public-url"), "/")

	var list []authapi.Provider
	if clientID := os.Getenv("ADC_GITHUB_CLIENT_ID"); clientID != "" {
		list = append(list, authapi.NewGitHubProvider(authapi.ProviderConfig{
			ClientID:     clientID,
			ClientSecret: os.Getenv("ADC_GITHUB_CLIENT_SECRET"),
			RedirectURL:  base + "/auth/oauth/github/callback",
		}))
	}
	if clientID := os.Getenv("ADC_GOOGLE_CLIENT_ID"); clientID != "" {
		p, err := authapi.NewGoogleProvider(ctx, authapi.ProviderConfig{
			ClientID:     clientID,
			ClientSecret: os.Getenv("ADC_GOOGLE_CLIENT_SECRET"),
			RedirectURL:  base + "/auth/oauth/google/callback",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to configure google provider: %w", err)
		}
		list = append(list, p)
	}
	return list, nil
}

// registerPlatformModules places the core platform components under kernel
// lifecycle management and records their dependency edges, so descriptor
// documents can depend on them by name.
func registerPlatformModules(k *kernel.Kernel, pool *workers.Pool) {
	keysRef := mustRegister(k, kernel.KindProvider, "keystore", kernel.NewBaseModule("keystore", kernel.KindProvider))
	repoRef := mustRegister(k, kernel.KindProvider, "token-store", kernel.NewBaseModule("token-store", kernel.KindProvider))
	storeRef := mustRegister(k, kernel.KindProvider, "identity-store", kernel.NewBaseModule("identity-store", kernel.KindProvider))

	tokensRef := mustRegister(k, kernel.KindService, "tokens", kernel.NewBaseModule("tokens", kernel.KindService))
	identityRef := mustRegister(k, kernel.KindService, "identity", kernel.NewBaseModule("identity", kernel.KindService))
	attemptsRef := mustRegister(k, kernel.KindService, "attempts", kernel.NewBaseModule("attempts", kernel.KindService))

	poolModule := kernel.NewBaseModule("workers", kernel.KindService)
	poolModule.OnStart = pool.Start
	poolModule.OnStop = func(context.Context) error { return pool.Stop() }
	mustRegister(k, kernel.KindService, "workers", poolModule)

	k.AddDependency(tokensRef, keysRef)
	k.AddDependency(tokensRef, repoRef)
	k.AddDependency(identityRef, storeRef)
	k.AddDependency(identityRef, tokensRef)
	k.AddDependency(attemptsRef, identityRef)
	k.AddDependency(attemptsRef, tokensRef)
}

// registerBuiltinFactories lets descriptor documents reference the built-in
// modules. The instances are registered up front, so the factories only run
// when a document names a built-in under a custom configuration.
func registerBuiltinFactories(loader *modules.Loader, pool *workers.Pool) {
	passive := func(kind kernel.Kind) modules.Factory {
		return func(_ context.Context, _ *kernel.Kernel, d modules.Descriptor) (kernel.Module, error) {
			return kernel.NewBaseModule(d.Name, kind), nil
		}
	}

	loader.RegisterFactory(kernel.KindProvider, "keystore", passive(kernel.KindProvider))
	loader.RegisterFactory(kernel.KindProvider, "token-store", passive(kernel.KindProvider))
	loader.RegisterFactory(kernel.KindProvider, "identity-store", passive(kernel.KindProvider))
	loader.RegisterFactory(kernel.KindService, "tokens", passive(kernel.KindService))
	loader.RegisterFactory(kernel.KindService, "identity", passive(kernel.KindService))
	loader.RegisterFactory(kernel.KindService, "attempts", passive(kernel.KindService))
	loader.RegisterFactory(kernel.KindService, "workers",
		func(_ context.Context, _ *kernel.Kernel, d modules.Descriptor) (kernel.Module, error) {
			m := kernel.NewBaseModule(d.Name, kernel.KindService)
			m.OnStart = pool.Start
			m.OnStop = func(context.Context) error { return pool.Stop() }
			return m, nil
		})
}

func mustRegister(k *kernel.Kernel, kind kernel.Kind, name string, m kernel.Module) kernel.ModuleRef {
	ref, err := k.Register(kind, name, m, nil)
	if err != nil {
		logger.Fatalf("Failed to register %s %q: %v", kind, name, err)
	}
	return ref
}

// watchReload reloads the application on SIGHUP. Development profile only.
func watchReload(ctx context.Context, k *kernel.Kernel, ref kernel.ModuleRef) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			logger.Infow("reloading application", "app", ref.Name)
			if err := k.Reload(ctx, ref); err != nil {
				logger.Errorw("application reload failed", "app", ref.Name, "error", err)
			}
		}
	}
}

func platformRouter(auth *authapi.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Mount("/auth", auth.Router())
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}
