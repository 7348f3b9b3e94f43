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

	"github.com/joho/godotenv"
	"github.com/papermerge/papermerge-core-sub000/internal/app"
	"github.com/papermerge/papermerge-core-sub000/internal/auth"
	"github.com/papermerge/papermerge-core-sub000/internal/config"
	"github.com/papermerge/papermerge-core-sub000/internal/logging"
	"github.com/papermerge/papermerge-core-sub000/internal/seed"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "papermerge",
		Short: "Papermerge document version engine",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(serveCommand(), reconcileCommand(), seedCommand(), tokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("database-dsn", "", "Postgres DSN")
	flags.String("media-root", defaults.GetString("media.root"), "Directory holding document files")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("lock-backend", defaults.GetString("lock.backend"), "Document lock backend (local, redis)")
	flags.String("tasks-backend", defaults.GetString("tasks.backend"), "Task queue backend (memory, redis)")
	flags.String("redis-address", defaults.GetString("redis.address"), "Redis address")
	flags.String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "media.root", "media-root")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "lock.backend", "lock-backend")
	bindFlag(cmd, "tasks.backend", "tasks-backend")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// withApp loads the configuration, builds the engine and hands it to fn.
func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	engine, err := app.New(ctx, appConfig, logger)
	if err != nil {
		logger.Error("engine startup failed", zap.Error(err))
		return err
	}
	defer engine.Close()

	return fn(ctx, engine)
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the task worker and the periodic reconcile sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), runServer)
		},
	}
}

func runServer(ctx context.Context, engine *app.App) error {
	handler, err := engine.HTTPHandler()
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              engine.Config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		return engine.RunWorker(groupCtx)
	})
	group.Go(func() error {
		engine.Sweeper.Run(groupCtx, engine.Config.ReconcileInterval)
		return nil
	})
	group.Go(func() error {
		engine.Logger.Info("server starting", zap.String("address", engine.Config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

func reconcileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Requeue missing page artifacts of ready documents once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, engine *app.App) error {
				report, err := engine.Sweeper.Sweep(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "versions=%d pages=%d requeued=%d missing_pdfs=%d\n",
					report.Versions, report.Pages, len(report.Requeued), len(report.MissingPDFs))
				return nil
			})
		},
	}
}

func seedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file.yaml>",
		Short: "Create the users, groups, custom fields and document types listed in a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := seed.Load(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, engine *app.App) error {
				seeder, err := engine.Seeder()
				if err != nil {
					return err
				}
				report, err := seeder.Apply(ctx, file)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "users=%d groups=%d custom_fields=%d document_types=%d\n",
					report.Users, report.Groups, report.CustomFields, report.DocumentTypes)
				return nil
			})
		},
	}
}

func tokenCommand() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <username>",
		Short: "Print a session token for a local user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, engine *app.App) error {
				user, err := engine.Users.FindUserByUsername(ctx, args[0])
				if err != nil {
					return err
				}
				issuer, err := engine.TokenIssuer(ttl)
				if err != nil {
					return err
				}
				token, expiresAt, err := issuer.IssueSessionToken(auth.Identity{
					Provider: user.Provider,
					Subject:  user.Subject,
					Username: user.Username,
					Email:    user.Email,
				})
				if err != nil {
					return err
				}
				engine.Logger.Info("session token issued",
					zap.String("username", user.Username),
					zap.Time("expires_at", expiresAt))
				fmt.Fprintln(cmd.OutOrStdout(), token)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	return cmd
}
