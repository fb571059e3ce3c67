package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"sopline/internal/app"
	"sopline/internal/config"
	"sopline/internal/server"
	"sopline/internal/telemetry"
)

func serveCmd() *cobra.Command {
	var addr, basePath, otelEndpoint string
	var allowActorHeader, trustProxy bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long: `Start the HTTP API server.
Defaults come from SOPLINE_ADDR, SOPLINE_BASE_PATH, SOPLINE_JWT_SECRET,
SOPLINE_ALLOW_ACTOR_HEADER, SOPLINE_TRUST_PROXY_HEADERS and
SOPLINE_OTEL_ENDPOINT; flags override them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := config.LoadServerEnv()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("addr") {
				env.Addr = addr
			}
			if flags.Changed("base-path") {
				env.BasePath = basePath
			}
			if flags.Changed("allow-actor-header") {
				env.AllowActorHeader = allowActorHeader
			}
			if flags.Changed("trust-proxy-headers") {
				env.TrustProxyHeaders = trustProxy
			}
			if flags.Changed("otel-endpoint") {
				env.OTELEndpoint = otelEndpoint
			}
			if env.JWTSecret == "" && !env.AllowActorHeader {
				return fmt.Errorf("SOPLINE_JWT_SECRET is required unless --allow-actor-header is set")
			}

			shutdownTracing, err := telemetry.Setup(cmd.Context(), "sopline", env.OTELEndpoint)
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdownTracing(ctx)
			}()

			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				logger := w.Engine.Logger
				handler, err := server.New(server.Config{
					Engine:            w.Engine,
					BasePath:          env.BasePath,
					Logger:            logger,
					TrustProxyHeaders: env.TrustProxyHeaders,
					Auth: server.AuthConfig{
						JWTSecret:        env.JWTSecret,
						AllowActorHeader: env.AllowActorHeader,
						Logger:           logger,
					},
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: env.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				logger.Info("server starting", zap.String("addr", env.Addr), zap.String("base_path", env.BasePath))
				fmt.Printf("Serving Sopline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs, metrics at /metrics)\n", env.Addr, env.BasePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "trust X-Actor-Id without a token (local use only)")
	cmd.Flags().BoolVar(&trustProxy, "trust-proxy-headers", false, "take the client address from X-Forwarded-For (behind a proxy only)")
	cmd.Flags().StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP/HTTP trace endpoint")
	return cmd
}

func tokenCmd() *cobra.Command {
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for --actor-id with SOPLINE_JWT_SECRET",
		// token needs no workspace.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := config.LoadServerEnv()
			if err != nil {
				return err
			}
			if env.JWTSecret == "" {
				return fmt.Errorf("SOPLINE_JWT_SECRET is required")
			}
			tok, err := server.SignToken(env.JWTSecret, viper.GetString("actor-id"), roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
