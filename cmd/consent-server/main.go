package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/consent/internal/config"
	"github.com/ehr/consent/internal/domain/consent"
	"github.com/ehr/consent/internal/platform/db"
	"github.com/ehr/consent/internal/platform/signature"
	"github.com/ehr/consent/migrations"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "consent-server",
		Short: "Patient consent authorization API server",
	}

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(messageCmd())
	root.AddCommand(verifyCmd())
	return root
}

func newLogger(env string, out io.Writer) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the consent API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(os.Getenv("ENV"), os.Stdout)

			cfg, err := config.Load()
			if err != nil {
				logger.Fatal().Err(err).Msg("failed to load config")
			}
			if err := cfg.Validate(); err != nil {
				logger.Fatal().Err(err).Msg("invalid configuration")
			}
			if cfg.IsDev() {
				logger.Warn().Msg("running in development mode: unauthenticated requests are treated as admin")
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg, logger)
		},
	}
}

// migrationSource returns the embedded migrations unless dir is set.
func migrationSource(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func openMigrator(ctx context.Context, cmd *cobra.Command) (*db.Migrator, func(), error) {
	schema, _ := cmd.Flags().GetString("schema")
	dir, _ := cmd.Flags().GetString("dir")

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, errors.New("DATABASE_URL is required for migrations")
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	migrator, err := db.NewMigrator(pool, migrationSource(dir), schema)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return migrator, pool.Close, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			migrator, closeFn, err := openMigrator(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			schema, _ := cmd.Flags().GetString("schema")
			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	upCmd.Flags().String("dir", "", "Path to a migrations directory (defaults to the embedded set)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			migrator, closeFn, err := openMigrator(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			schema, _ := cmd.Flags().GetString("schema")
			fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	statusCmd.Flags().String("dir", "", "Path to a migrations directory (defaults to the embedded set)")
	cmd.AddCommand(statusCmd)

	return cmd
}

// messageCmd prints the canonical text a wallet signs for a consent.
func messageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "message",
		Short: "Print the canonical consent message for a purpose and patient",
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := messageFromFlags(cmd)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
	addMessageFlags(cmd)
	return cmd
}

// verifyCmd checks a wallet signature offline.
func verifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a wallet signature over a consent message",
		RunE: func(cmd *cobra.Command, args []string) error {
			wallet, _ := cmd.Flags().GetString("wallet")
			sig, _ := cmd.Flags().GetString("signature")
			msg, _ := cmd.Flags().GetString("message")
			if msg == "" {
				var err error
				if msg, err = messageFromFlags(cmd); err != nil {
					return err
				}
			}

			if err := signature.Check(wallet, msg, sig); err != nil {
				if recovered, rerr := signature.Recover(msg, sig); rerr == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "recovered: %s\n", recovered.Hex())
				}
				return fmt.Errorf("signature rejected: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "valid: signed by %s\n", signature.NormalizeAddress(wallet))
			return nil
		},
	}
	addMessageFlags(cmd)
	cmd.Flags().String("wallet", "", "Claimed wallet address (0x-prefixed)")
	cmd.Flags().String("signature", "", "Hex-encoded personal_sign signature")
	cmd.Flags().String("message", "", "Exact signed message; overrides --purpose/--patient")
	_ = cmd.MarkFlagRequired("wallet")
	_ = cmd.MarkFlagRequired("signature")
	return cmd
}

func addMessageFlags(cmd *cobra.Command) {
	cmd.Flags().String("purpose", "", "Consent purpose")
	cmd.Flags().String("patient", "", "Patient identifier")
	cmd.Flags().String("message-version", signature.CurrentMessageVersion, "Canonical message template version")
}

func messageFromFlags(cmd *cobra.Command) (string, error) {
	rawPurpose, _ := cmd.Flags().GetString("purpose")
	patient, _ := cmd.Flags().GetString("patient")
	version, _ := cmd.Flags().GetString("message-version")

	purpose, err := consent.ParsePurpose(rawPurpose)
	if err != nil {
		return "", fmt.Errorf("--purpose: %w", err)
	}
	if patient == "" {
		return "", errors.New("--patient is required")
	}
	return signature.CanonicalMessage(version, string(purpose), patient)
}
