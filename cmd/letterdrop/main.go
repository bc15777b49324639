package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/letterdrop/letterdrop/internal/api"
	"github.com/letterdrop/letterdrop/internal/config"
	"github.com/letterdrop/letterdrop/internal/delivery"
	"github.com/letterdrop/letterdrop/internal/email"
	"github.com/letterdrop/letterdrop/internal/models"
	"github.com/letterdrop/letterdrop/internal/storage"
)

var version = "0.1.0"

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "letterdrop",
		Short: "Letterdrop is a newsletter subscription and delivery service",
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(workerCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(authorCmd(&configPath))
	rootCmd.AddCommand(subscriberCmd(&configPath))
	rootCmd.AddCommand(statsCmd(&configPath))
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the letterdrop server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			log.Info().Msg("database migrations completed")

			sender, err := setupSender(cfg.Email)
			if err != nil {
				return fmt.Errorf("failed to setup email sender: %w", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			var pool *delivery.Pool
			if cfg.Delivery.Workers > 0 {
				pool = delivery.NewPool(cfg.Delivery, store, sender, log)
				pool.Start(ctx)
			} else {
				log.Info().Msg("delivery workers disabled, run them separately with: letterdrop worker")
			}

			server := api.NewServer(cfg.Server, store, sender, log)
			go func() {
				if err := server.Start(); err != nil && err != http.ErrServerClosed {
					log.Fatal().Err(err).Msg("server error")
				}
			}()

			log.Info().
				Str("version", version).
				Int("port", cfg.Server.Port).
				Int("workers", cfg.Delivery.Workers).
				Str("storage", cfg.Storage.Driver).
				Msg("letterdrop is running")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

			var fatalErr error
			if pool != nil {
				select {
				case <-quit:
				case fatalErr = <-pool.Fatal():
					log.Error().Err(fatalErr).Msg("delivery pool gave up, shutting down")
				}
			} else {
				<-quit
			}

			log.Info().Msg("shutting down...")

			if err := server.Shutdown(10 * time.Second); err != nil {
				log.Error().Err(err).Msg("server shutdown error")
			}
			if pool != nil {
				pool.Stop()
			}

			log.Info().Msg("letterdrop stopped")
			return fatalErr
		},
	}
}

func workerCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run only the delivery workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.Delivery.Workers <= 0 {
				return fmt.Errorf("delivery.workers must be positive, got %d", cfg.Delivery.Workers)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}

			sender, err := setupSender(cfg.Email)
			if err != nil {
				return fmt.Errorf("failed to setup email sender: %w", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			pool := delivery.NewPool(cfg.Delivery, store, sender, log)
			pool.Start(ctx)

			log.Info().
				Str("version", version).
				Int("workers", cfg.Delivery.Workers).
				Str("storage", cfg.Storage.Driver).
				Msg("letterdrop worker is running")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

			var fatalErr error
			select {
			case <-quit:
			case fatalErr = <-pool.Fatal():
				log.Error().Err(fatalErr).Msg("delivery pool gave up, shutting down")
			}

			log.Info().Msg("shutting down...")
			pool.Stop()

			log.Info().Msg("letterdrop worker stopped")
			return fatalErr
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			log.Info().Msg("migrations completed successfully")
			return nil
		},
	}
}

func authorCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "author",
		Short: "Manage newsletter authors",
	}

	// author create
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new author and print its API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			now := time.Now().UTC()
			author := &models.Author{
				ID:        models.NewID("aut"),
				Name:      name,
				APIKey:    models.NewAPIKey(),
				CreatedAt: now,
				UpdatedAt: now,
			}

			if err := store.CreateAuthor(context.Background(), author); err != nil {
				return fmt.Errorf("failed to create author: %w", err)
			}

			out, _ := json.MarshalIndent(author, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
	createCmd.Flags().String("name", "", "author name")

	// author list
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all authors",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			authors, err := store.ListAuthors(context.Background())
			if err != nil {
				return fmt.Errorf("failed to list authors: %w", err)
			}

			if len(authors) == 0 {
				fmt.Println("No authors found.")
				return nil
			}

			for _, a := range authors {
				fmt.Printf("  %s  %s  (created %s)\n", a.ID, a.Name, a.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.AddCommand(createCmd, listCmd)
	return cmd
}

func subscriberCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscriber",
		Short: "Manage subscribers",
	}

	// subscriber list
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all subscribers",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			subs, err := store.ListSubscribers(context.Background())
			if err != nil {
				return fmt.Errorf("failed to list subscribers: %w", err)
			}

			if len(subs) == 0 {
				fmt.Println("No subscribers found.")
				return nil
			}

			for _, s := range subs {
				fmt.Printf("  %s  %s  %s  (subscribed %s)\n", s.ID, s.Email, s.Status, s.SubscribedAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	// subscriber remove: removal stays an operator action, there is no
	// public unsubscribe endpoint; pending deliveries go away with the row
	removeCmd := &cobra.Command{
		Use:   "remove <email>",
		Short: "Remove a subscriber and their pending deliveries",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) < 1 {
				return fmt.Errorf("usage: letterdrop subscriber remove <email>")
			}

			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			sub, err := store.GetSubscriberByEmail(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("failed to look up subscriber: %w", err)
			}
			if sub == nil {
				return fmt.Errorf("no subscriber with email %q", args[0])
			}

			if err := store.DeleteSubscriber(context.Background(), sub.ID); err != nil {
				return fmt.Errorf("failed to remove subscriber: %w", err)
			}

			fmt.Printf("Removed subscriber %s (%s)\n", sub.ID, sub.Email)
			return nil
		},
	}

	cmd.AddCommand(listCmd, removeCmd)
	return cmd
}

func statsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show subscriber and delivery stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := store.GetStats(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get stats: %w", err)
			}

			out, _ := json.MarshalIndent(stats, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("letterdrop v%s\n", version)
		},
	}
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func setupStorage(cfg *config.Config, log zerolog.Logger) (storage.Storage, error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		log.Info().Str("path", cfg.Storage.SQLite.Path).Msg("using SQLite storage")
		return storage.NewSQLite(cfg.Storage.SQLite.Path, cfg.Delivery.ReclaimAfter)
	case "postgres":
		pg := cfg.Storage.Postgres
		log.Info().Str("host", pg.Host).Str("database", pg.Database).Msg("using Postgres storage")
		dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			pg.User, pg.Password, pg.Host, pg.Port, pg.Database, pg.SSLMode)
		return storage.NewPostgres(dsn)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Storage.Driver)
	}
}

func setupSender(cfg config.EmailConfig) (email.Sender, error) {
	from := cfg.SenderAddress
	if cfg.SenderName != "" {
		from = fmt.Sprintf("%s <%s>", cfg.SenderName, cfg.SenderAddress)
	}

	switch cfg.Driver {
	case "api":
		return email.NewAPISender(cfg.API.BaseURL, cfg.API.ServerToken, from, cfg.API.Timeout), nil
	case "smtp":
		return email.NewSMTPSender(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password, from)
	default:
		return nil, fmt.Errorf("unsupported email driver: %s", cfg.Driver)
	}
}

func storeFromConfig(configPath string) (storage.Storage, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg.Logging)
	store, err := setupStorage(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, func() { store.Close() }, nil
}
