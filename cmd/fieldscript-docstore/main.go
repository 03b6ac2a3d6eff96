// Command fieldscript-docstore runs the reference document store that
// fieldscript clients synchronize against.
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

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/hyperengineering/fieldscript"
	"github.com/hyperengineering/fieldscript/docstore"
)

func main() {
	// A missing .env is normal; the environment may be set directly.
	_ = godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("DOCSTORE")
	v.AutomaticEnv()
	v.SetDefault("addr", ":8080")
	v.SetDefault("log_level", "info")

	root := &cobra.Command{
		Use:           "fieldscript-docstore",
		Short:         "Reference document store for fieldscript sync",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("jwt-secret", "", "HS256 secret for bearer tokens (env DOCSTORE_JWT_SECRET)")
	_ = v.BindPFlag("jwt_secret", root.PersistentFlags().Lookup("jwt-secret"))

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve the document API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), v)
		},
	}
	serve.Flags().String("addr", "", "listen address (env DOCSTORE_ADDR)")
	serve.Flags().String("database-url", "", "Postgres DSN; in-memory when empty (env DOCSTORE_DATABASE_URL)")
	serve.Flags().String("log-level", "", "debug, info, warn or error (env DOCSTORE_LOG_LEVEL)")
	serve.Flags().Bool("log-json", false, "log as JSON")
	_ = v.BindPFlag("addr", serve.Flags().Lookup("addr"))
	_ = v.BindPFlag("database_url", serve.Flags().Lookup("database-url"))
	_ = v.BindPFlag("log_level", serve.Flags().Lookup("log-level"))
	_ = v.BindPFlag("log_json", serve.Flags().Lookup("log-json"))

	token := &cobra.Command{
		Use:   "token <owner-id>",
		Short: "Mint a bearer token for an owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := v.GetString("jwt_secret")
			if secret == "" {
				return errors.New("jwt secret is required")
			}
			ttl, _ := cmd.Flags().GetDuration("ttl")
			device, _ := cmd.Flags().GetString("device")
			t, err := docstore.NewJWTAuth(secret).GenerateToken(args[0], device, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), t)
			return nil
		},
	}
	token.Flags().Duration("ttl", 30*24*time.Hour, "token lifetime")
	token.Flags().String("device", "", "device ID claim")

	root.AddCommand(serve, token)
	return root
}

func serve(ctx context.Context, v *viper.Viper) error {
	logger, closer, err := fieldscript.NewLogger(fieldscript.LogConfig{
		Level:  v.GetString("log_level"),
		Writer: os.Stderr,
		JSON:   v.GetBool("log_json"),
	})
	if err != nil {
		return err
	}
	defer closer.Close()

	secret := v.GetString("jwt_secret")
	if secret == "" {
		return errors.New("jwt secret is required")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store docstore.Store
	if dsn := v.GetString("database_url"); dsn != "" {
		pg, err := docstore.NewPostgresStore(ctx, dsn)
		if err != nil {
			return err
		}
		store = pg
		logger.Info("using postgres store")
	} else {
		store = docstore.NewMemoryStore(nil)
		logger.Warn("using in-memory store; documents are lost on exit")
	}
	defer store.Close()

	hub := docstore.NewHub(store, logger)
	srv := &http.Server{
		Addr:              v.GetString("addr"),
		Handler:           docstore.NewServer(store, docstore.NewJWTAuth(secret), hub, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("document store listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
