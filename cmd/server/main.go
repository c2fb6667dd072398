package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	researchengine "github.com/Caeser-Zhang/AI-research-engine-with-backend"
	"github.com/Caeser-Zhang/AI-research-engine-with-backend/internal/conversation"
	"github.com/Caeser-Zhang/AI-research-engine-with-backend/internal/handlers"
	"github.com/Caeser-Zhang/AI-research-engine-with-backend/internal/services"
	"github.com/joho/godotenv"
	"github.com/rs/cors"
	"gopkg.in/yaml.v3"
)

func main() {
	// Secrets such as API keys may come from a local .env file.
	_ = godotenv.Load()

	cfgDir, err := os.UserConfigDir()
	if err != nil {
		log.Fatal(fmt.Errorf("error getting user config dir: %w", err))
	}
	cfgPath := filepath.Join(cfgDir, "ai-research-engine")
	if err := os.MkdirAll(cfgPath, 0755); err != nil {
		log.Fatal(fmt.Errorf("error creating config directory: %w", err))
	}

	cfg, err := loadConfig(filepath.Join(cfgPath, "config.yaml"))
	if err != nil {
		log.Fatal(err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	store, closeStore, err := newStore(cfg.Store, cfgPath, logger)
	if err != nil {
		log.Fatal(fmt.Errorf("error opening store: %w", err))
	}
	defer closeStore()

	backend := services.NewBackend(cfg.Backend.BaseURL, cfg.Backend.timeout(), logger)

	generator, err := cfg.Generator.generator(backend, cfg.SystemPrompt, logger)
	if err != nil {
		log.Fatal(fmt.Errorf("error building generator: %w", err))
	}

	conv := conversation.New(store, backend, generator, logger)

	m, err := handlers.NewMain(conv, logger)
	if err != nil {
		log.Fatal(fmt.Errorf("error building handlers: %w", err))
	}

	staticFS, err := fs.Sub(researchengine.StaticFS, "static")
	if err != nil {
		log.Fatal(err)
	}
	fileServer := http.FileServer(http.FS(staticFS))

	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("/", m.HandleHome)
	mux.HandleFunc("/chats", m.HandleChats)
	mux.HandleFunc("/chats/regenerate", m.HandleRegenerate)
	mux.HandleFunc("/messages/rate", m.HandleRate)
	mux.HandleFunc("/sources", m.HandleSources)
	mux.HandleFunc("/sources/toggle", m.HandleSourceToggle)
	mux.HandleFunc("/sources/select_all", m.HandleSelectAllSources)
	mux.HandleFunc("/sessions/new", m.HandleNewSession)
	mux.HandleFunc("/sessions/delete", m.HandleDeleteSession)
	mux.HandleFunc("/sse/messages", m.HandleSSE)
	mux.HandleFunc("/sse/sessions", m.HandleSSE)

	handler := http.Handler(mux)
	if len(cfg.AllowedOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
		}).Handler(mux)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			log.Printf("Failed to shutdown sse server: %v", err)
		}
	})

	serverErrors := make(chan error, 1)

	go func() {
		log.Println("Server starting on :" + cfg.Port)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Printf("Server error: %v", err)

	case sig := <-shutdown:
		log.Printf("Start shutdown, signal: %v", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Graceful shutdown failed: %v", err)
			if err := srv.Close(); err != nil {
				log.Printf("Forcing server close: %v", err)
			}
		}
	}
}

// loadConfig reads the YAML config file; a missing file falls back to the
// defaults so the server runs out of the box.
func loadConfig(path string) (config, error) {
	cfgFile, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return defaultConfig(), nil
		}
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer cfgFile.Close()

	cfg := config{}
	if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}
	return cfg, nil
}

// newStore builds the configured persistence backend. The returned close
// function is a no-op for backends without a handle to release.
func newStore(cfg storeConfig, cfgPath string, logger *slog.Logger) (conversation.Store, func(), error) {
	noop := func() {}

	switch cfg.Driver {
	case "document", "":
		path := cfg.Path
		if path == "" {
			path = filepath.Join(cfgPath, "store.json")
		}
		return services.NewDocumentStore(path, logger), noop, nil

	case "bolt":
		path := cfg.Path
		if path == "" {
			path = filepath.Join(cfgPath, "store.db")
		}
		store, err := services.NewBoltDB(path)
		if err != nil {
			return nil, noop, err
		}
		return store, func() {
			if err := store.Close(); err != nil {
				log.Printf("Failed to close bolt store: %v", err)
			}
		}, nil

	case "sqlite":
		path := cfg.Path
		if path == "" {
			path = filepath.Join(cfgPath, "store.sqlite")
		}
		store, err := services.NewSQLiteStore(path)
		if err != nil {
			return nil, noop, err
		}
		return store, func() {
			if err := store.Close(); err != nil {
				log.Printf("Failed to close sqlite store: %v", err)
			}
		}, nil

	default:
		return nil, noop, fmt.Errorf("unknown store driver: %s", cfg.Driver)
	}
}
