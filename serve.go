package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pliu/opschat/internal/config"
	"github.com/pliu/opschat/internal/handlers"
	"github.com/pliu/opschat/internal/models"
	"github.com/pliu/opschat/internal/obs"
	"github.com/pliu/opschat/internal/store"
	"github.com/pliu/opschat/internal/store/sqlstore"
	"github.com/pliu/opschat/internal/ws"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the collaborator server (REST API, push channel, file storage)",
	RunE:  runServe,
}

var (
	flagAddr string
	flagDSN  string
	flagSeed bool
)

func init() {
	flags := serveCmd.Flags()
	flags.StringVar(&flagAddr, "addr", "", "http service address (overrides SERVER_ADDR)")
	flags.StringVar(&flagDSN, "db", "", "sqlite data source (overrides DB_DSN)")
	flags.BoolVar(&flagSeed, "seed", true, "create a demo roster when the user table is empty")
}

// demoRoster is created on first start so the console has someone to talk to.
var demoRoster = []models.User{
	{ID: "u-ana", Name: "Ana Ortiz", Role: "charge nurse"},
	{ID: "u-ben", Name: "Ben Okafor", Role: "resident"},
	{ID: "u-chloe", Name: "Chloe Martin", Role: "pharmacist"},
	{ID: "u-dev", Name: "Dev Patel", Role: "attending"},
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadServer()
	if err != nil {
		return err
	}
	if flagEnv != "" {
		cfg.Env = flagEnv
	}
	if flagAddr != "" {
		cfg.Addr = flagAddr
	}
	if flagDSN != "" {
		cfg.DBDSN = flagDSN
	}
	logger := obs.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize Database
	db, err := sqlstore.New(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	if flagSeed {
		if err := seedRoster(db, logger); err != nil {
			return err
		}
	}

	// Initialize WebSocket Hub
	hub := ws.NewHub(db, logger.With("component", "hub"))
	go hub.Run(ctx)

	router := handlers.NewRouter(handlers.Deps{
		Store:  db,
		Hub:    hub,
		Logger: logger,
		Files: &handlers.FileHandler{
			Dir:           cfg.UploadDir,
			PublicBaseURL: cfg.PublicBaseURL,
			MaxBytes:      cfg.MaxUploadBytes,
			Logger:        logger,
		},
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", cfg.Addr, "db", cfg.DBDSN)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}

func seedRoster(s store.Store, logger *slog.Logger) error {
	users, err := s.ListUsers()
	if err != nil {
		return err
	}
	if len(users) > 0 {
		return nil
	}
	for _, u := range demoRoster {
		u := u
		if err := s.CreateUser(&u); err != nil {
			return fmt.Errorf("seed %s: %w", u.ID, err)
		}
	}
	logger.Info("seeded demo roster", "users", len(demoRoster))
	return nil
}
