package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"

	"github.com/reviewd/reviewd/internal/config"
	"github.com/reviewd/reviewd/internal/events"
	"github.com/reviewd/reviewd/internal/git"
	"github.com/reviewd/reviewd/internal/oauth"
	"github.com/reviewd/reviewd/internal/push"
	"github.com/reviewd/reviewd/internal/pushgate"
	"github.com/reviewd/reviewd/internal/session"
	"github.com/reviewd/reviewd/internal/store"
	"github.com/reviewd/reviewd/internal/util"
	"github.com/reviewd/reviewd/internal/web"
)

var (
	loadDotEnv = godotenv.Load
	openStore  = store.Open
)

// defaultServe runs the HTTP server until ctx is cancelled, then drains
// in-flight requests.
func defaultServe(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Printf("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func main() {
	configPath := flag.String("config", "", "path to config file (default $REVIEWD_CONFIG)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, defaultServe); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func run(ctx context.Context, configPath string, serve func(context.Context, string, http.Handler) error) error {
	// Load .env file (ignore error if file doesn't exist)
	_ = loadDotEnv()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.TokenSigningSecret == "" {
		// Tokens signed with an ephemeral secret do not survive a restart.
		cfg.TokenSigningSecret = util.NewToken(32)
		log.Printf("REVIEWD_TOKEN_SECRET not set, using an ephemeral signing secret")
	}

	log.Printf("Starting reviewd server...")
	log.Printf("Port: %d", cfg.Port)
	log.Printf("Database: %s", cfg.DBPath)
	log.Printf("Watcher debounce: %dms", cfg.WatcherDebounceMS)
	if len(cfg.PushWhitelist) > 0 {
		log.Printf("Push whitelist: %d repo patterns", len(cfg.PushWhitelist))
	} else {
		log.Printf("Push whitelist: empty (pushes unrestricted)")
	}

	st, err := openStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Printf("close store: %v", err)
		}
	}()

	g := git.New()
	bus := events.NewBus()
	sessions := session.New(st, g, cfg.GitHubToken)
	gate := pushgate.New(cfg.PushWhitelist)
	pusher := push.New(g, gate, cfg.GitHubToken)
	provider := oauth.NewProvider(st, cfg.TokenSigningSecret,
		time.Duration(cfg.AccessTokenTTL)*time.Second,
		time.Duration(cfg.RefreshTokenTTL)*time.Second)

	handler := web.NewHandler(cfg, st, sessions, g, bus, pusher, provider)
	defer handler.Close()

	r := mux.NewRouter()
	handler.RegisterRoutes(r)

	// Root endpoint with info
	r.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"service":"reviewd","status":"running","port":%d}`, cfg.Port)
	}).Methods("GET")

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Printf("Server listening on %s", addr)
	log.Printf("REST API: http://localhost%s/api/sessions", addr)
	log.Printf("Event stream: http://localhost%s/events", addr)
	log.Printf("Tool endpoint: http://localhost%s/mcp", addr)

	if err := serve(ctx, addr, r); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}
