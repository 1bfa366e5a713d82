package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sebas/isip/internal/api"
	"github.com/sebas/isip/internal/banner"
	"github.com/sebas/isip/internal/mcp"
)

const shutdownTimeout = 20 * time.Second

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the HTTP call API with metrics and gRPC health",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, log, err := loadConfig(cmd, false)
			if err != nil {
				return err
			}
			if err := cfg.ValidateServe(); err != nil {
				return err
			}
			tokens, err := api.NewTokenManager(cfg.API.JWTSecret, cfg.API.JWTIssuer, cfg.API.TokenTTL)
			if err != nil {
				return err
			}

			st, err := buildStack(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer st.Close()

			router := api.NewRouter(api.RouterConfig{
				Handlers: api.Handlers{Calls: st.svc},
				Tokens:   tokens,
				Metrics:  st.metrics.Handler(),
				Logger:   log,
			})
			httpSrv := &http.Server{
				Addr:              cfg.API.HTTPAddr,
				Handler:           router,
				ReadHeaderTimeout: 10 * time.Second,
				// Calls block for their whole duration plus prompt and transcript work.
				WriteTimeout: st.svc.MaxTimeout() + 2*time.Minute,
				IdleTimeout:  60 * time.Second,
			}

			banner.Print(os.Stdout, "iSIP call API "+version, []banner.ConfigLine{
				{Label: "HTTP", Value: cfg.API.HTTPAddr},
				{Label: "gRPC health", Value: cfg.API.GRPCAddr},
				{Label: "SIP gateway", Value: cfg.SIP.Gateway},
				{Label: "SIP local", Value: net.JoinHostPort(cfg.SIP.LocalIP, strconv.Itoa(cfg.SIP.LocalPort))},
				{Label: "RTP ports", Value: fmt.Sprintf("%d-%d", cfg.SIP.RTPPortMin, cfg.SIP.RTPPortMax)},
				{Label: "TTS", Value: cfg.Voice.Provider},
				{Label: "STT", Value: cfg.Transcription.Provider},
				{Label: "Output", Value: st.orch.OutputDir()},
				{Label: "History", Value: st.history},
				{Label: "Call gate", Value: st.gate},
			})

			var grpcSrv *grpc.Server
			var healthSrv *health.Server
			var grpcLis net.Listener
			if cfg.API.GRPCAddr != "" {
				grpcLis, err = net.Listen("tcp", cfg.API.GRPCAddr)
				if err != nil {
					return fmt.Errorf("listen %s: %w", cfg.API.GRPCAddr, err)
				}
				grpcSrv = grpc.NewServer()
				healthSrv = health.NewServer()
				healthpb.RegisterHealthServer(grpcSrv, healthSrv)
				healthSrv.SetServingStatus("isip", healthpb.HealthCheckResponse_SERVING)
			}

			g, gctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				log.Info("[API] HTTP server listening", "addr", cfg.API.HTTPAddr)
				if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			})

			if grpcSrv != nil {
				g.Go(func() error {
					log.Info("[API] gRPC health listening", "addr", cfg.API.GRPCAddr)
					if err := grpcSrv.Serve(grpcLis); err != nil {
						return fmt.Errorf("grpc server: %w", err)
					}
					return nil
				})
			}

			g.Go(func() error {
				<-gctx.Done()
				log.Info("[API] Shutting down")
				if healthSrv != nil {
					healthSrv.Shutdown()
				}

				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				err := httpSrv.Shutdown(shutdownCtx)
				if grpcSrv != nil {
					grpcSrv.GracefulStop()
				}
				return err
			})

			if err := g.Wait(); err != nil {
				return err
			}
			log.Info("[API] Stopped", "calls", st.orch.Calls())
			return nil
		},
	}
}

func mcpCommand() *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "serve the call tools over MCP on stdin/stdout",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, log, err := loadConfig(cmd, true)
			if err != nil {
				return err
			}
			st, err := buildStack(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer st.Close()

			log.Info("[MCP] Serving on stdio", "output_dir", st.orch.OutputDir())
			err = mcp.NewServer(st.svc, version, log).Run(ctx, mcp.Stdio())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "mint an API bearer token",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "subject", Usage: "token subject", Value: "isip-cli"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, _, err := loadConfig(cmd, true)
			if err != nil {
				return err
			}
			if err := cfg.ValidateServe(); err != nil {
				return err
			}
			tokens, err := api.NewTokenManager(cfg.API.JWTSecret, cfg.API.JWTIssuer, cfg.API.TokenTTL)
			if err != nil {
				return err
			}
			tok, err := tokens.Issue(time.Now(), cmd.String("subject"))
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
}
