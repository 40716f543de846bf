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

	"github.com/spf13/cobra"

	"teamwire/internal/api"
	"teamwire/internal/bus"
	"teamwire/internal/cache"
	"teamwire/internal/compose"
	"teamwire/internal/config"
	"teamwire/internal/console"
	"teamwire/internal/domain"
	"teamwire/internal/messenger"
	"teamwire/internal/metrics"
	"teamwire/internal/mutation"
	"teamwire/internal/store"
	"teamwire/internal/suggest"
	"teamwire/internal/transport"
	"teamwire/internal/typing"
)

func chatCmd() *cobra.Command {
	var conversation, metricsAddr string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Warn("config not loaded, using defaults", "path", cfgPath, "err", err)
				cfg = config.Defaults()
			}
			closer, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer closer.Close()

			if cfg.General.UserID == "" {
				return errors.New("general.userId is not set; run 'teamwire init --user <id>' first")
			}
			if metricsAddr != "" {
				cfg.Metrics.Enabled = true
				cfg.Metrics.Addr = metricsAddr
			}
			return runChat(cmd.Context(), cfg, conversation)
		},
	}
	cmd.Flags().StringVar(&conversation, "conversation", "", "conversation to open, e.g. #general or @alice")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

func runChat(parent context.Context, cfg *config.Config, conversation string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	self := cfg.General.UserID

	db, err := store.Open(cfg.Store.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	client := api.NewClient(api.ClientConfig{
		BaseURL:     cfg.Server.BaseURL,
		Token:       cfg.Server.Token,
		WorkspaceID: cfg.Server.WorkspaceID,
		Timeout:     cfg.Server.RequestTimeout.Std(),
		Logger:      logger,
	})

	connectivity := transport.NewConnectivity()
	ws := transport.NewWebSocket(transport.WSConfig{
		URL:          cfg.Server.WebsocketURL,
		Token:        cfg.Server.Token,
		WriteTimeout: cfg.Transport.WriteTimeout.Std(),
		PingInterval: cfg.Transport.PingInterval.Std(),
		State:        connectivity,
		Logger:       logger,
	})
	reconnector := transport.NewReconnector(ws, transport.ReconnectConfig{
		Initial: cfg.Transport.ReconnectInitial.Std(),
		Max:     cfg.Transport.ReconnectMax.Std(),
		Logger:  logger,
	})

	inbound := bus.NewInbound(256, logger)
	ws.OnEvent(inbound.Publish)

	events := bus.NewEventBus(logger)
	c := cache.New(cache.Config{Fetcher: client, SelfID: self, Events: events, Logger: logger})
	gateway := mutation.NewGateway(mutation.Config{
		Client:            client,
		Cache:             c,
		Connectivity:      connectivity,
		SelfID:            self,
		MaxAttachmentSize: int64(cfg.Composer.MaxAttachmentSize),
		Logger:            logger,
	})
	presence := typing.NewPresence(typing.PresenceConfig{
		SelfID:  self,
		Timeout: cfg.Typing.PeerTimeout.Std(),
		Events:  events,
		Logger:  logger,
	})

	var suggester compose.Suggester
	var feed *suggest.Feed
	if cfg.Suggestions.Enabled {
		completer, err := suggest.NewCompleter(suggest.CompleterConfig{
			Providers: cfg.Suggestions.Providers,
			OpenAI: suggest.OpenAIConfig{
				APIKey:  cfg.Suggestions.OpenAI.APIKey,
				APIBase: cfg.Suggestions.OpenAI.APIBase,
				Model:   cfg.Suggestions.OpenAI.Model,
			},
		}, client, nil, logger)
		if err != nil {
			return fmt.Errorf("create completer: %w", err)
		}
		feed = suggest.NewFeed(suggest.FeedConfig{
			Completer:       completer,
			History:         c,
			MinLength:       cfg.Suggestions.MinLength,
			Every:           cfg.Suggestions.Every,
			RatePerMinute:   float64(cfg.Suggestions.RatePerMinute),
			Burst:           cfg.Suggestions.Burst,
			Timeout:         cfg.Suggestions.Timeout.Std(),
			ContextMessages: cfg.Suggestions.ContextMessages,
			Logger:          logger,
		})
		suggester = feed
		logger.Info("suggestions enabled", "completer", completer.Name())
	}

	m := messenger.New(messenger.Config{
		SelfID:       self,
		Profile:      store.Profile(self, cfg.Server.WorkspaceID),
		Cache:        c,
		Gateway:      gateway,
		Transport:    ws,
		Connectivity: connectivity,
		Presence:     presence,
		Suggester:    suggester,
		Selections:   db,
		Events:       events,
		QuietPeriod:  cfg.Typing.QuietPeriod.Std(),
		MaxRows:      cfg.Composer.MaxRows,
		Logger:       logger,
	})
	defer m.Close()

	go func() {
		if err := reconnector.Run(ctx); err != nil && domain.IsAuth(err) {
			events.Emit(bus.Event{Type: bus.EventSessionExpired, Payload: map[string]any{"error": err.Error()}})
		}
	}()
	go func() {
		if err := m.Run(ctx, inbound); err != nil {
			logger.Debug("inbound loop stopped", "err", err)
		}
	}()

	if cfg.Metrics.Enabled {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metricsMux(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("metrics listening", "addr", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "err", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if conversation != "" {
		conv, err := domain.ParseConversation(conversation)
		if err != nil {
			return err
		}
		if err := m.Open(ctx, conv); err != nil {
			return fmt.Errorf("open %s: %w", conv, err)
		}
	} else if conv, ok, err := m.Resume(ctx); err != nil {
		logger.Warn("could not restore last conversation", "err", err)
	} else if ok {
		logger.Info("resumed", "conversation", conv.Key())
	}

	// The console blocks on stdin, so a signal must not wait for the next line.
	done := make(chan error, 1)
	go func() {
		done <- console.New(console.Config{
			Session: m,
			SelfID:  self,
			In:      os.Stdin,
			Out:     os.Stdout,
			Logger:  logger,
		}).Run(ctx)
	}()
	select {
	case err = <-done:
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	stop()
	if feed != nil {
		feed.Wait()
	}
	inbound.Close()
	logger.Info("chat session closed")
	return err
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Collector.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}
