package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/victornm/mutely/internal/config"
	"github.com/victornm/mutely/internal/server"
	"github.com/victornm/mutely/internal/store"
)

var (
	configPath  string
	verbose     bool
	migrateDown bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "mutely",
		Short:        "Phone-free focus sessions",
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if verbose {
				slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $"+config.EnvPath+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newLiveCmd())

	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC servers",
		RunE: func(*cobra.Command, []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}

			shutdown := make(chan os.Signal, 1)
			signal.Notify(shutdown, syscall.SIGTERM, os.Interrupt)

			s, err := server.Init(c)
			if err != nil {
				log.Fatalf("Init server failed: %v", err)
			}

			go s.Start()

			<-shutdown
			s.Shutdown()
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database migrations",
		RunE: func(*cobra.Command, []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}

			if err := store.Migrate(c.Postgres.URL(), migrateDown); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}

			slog.Info("migrate: done", "down", migrateDown)
			return nil
		},
	}

	cmd.Flags().BoolVar(&migrateDown, "down", false, "roll every migration back")
	return cmd
}

func loadConfig() (server.Config, error) {
	c := server.DefaultConfig()

	if err := config.Load(configPath, &c); err != nil {
		return c, fmt.Errorf("load config: %w", err)
	}

	return c, nil
}
