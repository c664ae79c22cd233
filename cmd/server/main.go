// Package main is the be-approvals entry point. `serve` runs the HTTP and
// gRPC servers plus the in-process escalation ticker; `escalate` runs one
// escalation scan and exits (for cron-driven deployments).
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-approvals/internal/client"
	"github.com/pesio-ai/be-approvals/internal/config"
	"github.com/pesio-ai/be-approvals/internal/database"
	"github.com/pesio-ai/be-approvals/internal/handler"
	"github.com/pesio-ai/be-approvals/internal/logger"
	"github.com/pesio-ai/be-approvals/internal/metrics"
	"github.com/pesio-ai/be-approvals/internal/middleware"
	"github.com/pesio-ai/be-approvals/internal/repository"
	"github.com/pesio-ai/be-approvals/internal/service"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "be-approvals",
		Short: "Approvals service: action policies, workflows, escalations",
	}
	cmd.AddCommand(serveCmd(), escalateCmd())
	return cmd
}

// app bundles the wired service graph shared by the commands.
type app struct {
	cfg        *config.Config
	log        *logger.Logger
	db         *database.DB
	nc         *nats.Conn
	httpHandle *handler.HTTPHandler
	escalation *service.EscalationService
}

func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.New(logger.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Approvals Service (PLT-3)")

	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	log.Info().Msg("Database connection established")

	// NATS is optional: without it, events and alerts are log-only.
	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = nats.Connect(cfg.NATS.URL, nats.Name(cfg.Service.Name))
		if err != nil {
			log.Warn().Err(err).Str("url", cfg.NATS.URL).Msg("NATS connection failed; notifications disabled")
			nc = nil
		} else {
			log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
		}
	}
	publisher := client.NewAlertPublisher(nc, log.Logger)

	// Repositories
	policyRepo := repository.NewActionPolicyRepository(db)
	instanceRepo := repository.NewApprovalInstanceRepository(db)
	stepRepo := repository.NewApprovalStepRepository(db)
	alertRepo := repository.NewAlertRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	documentRepo := repository.NewDocumentRepository()

	// Services
	guards := service.NewGuardRegistry(instanceRepo)
	policyService := service.NewPolicyService(policyRepo, guards, log)
	planner := service.NewStepPlanner(cfg.Approval)
	approvalService := service.NewApprovalService(
		db, planner, cfg.Approval.Flows,
		instanceRepo, stepRepo, documentRepo, auditRepo,
		publisher, log,
	)
	escalationService := service.NewEscalationService(alertRepo, stepRepo, alertRepo, publisher, log)

	httpHandler := handler.NewHTTPHandler(policyService, approvalService, planner, policyRepo, alertRepo, log)

	return &app{
		cfg:        cfg,
		log:        log,
		db:         db,
		nc:         nc,
		httpHandle: httpHandler,
		escalation: escalationService,
	}, nil
}

func (a *app) close() {
	if a.nc != nil {
		a.nc.Close()
	}
	a.db.Close()
}

// ── serve ────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()
			log := a.log

			mux := http.NewServeMux()
			mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte(`{"status":"healthy"}`))
			})
			mux.Handle("/metrics", metrics.Handler())

			h := a.httpHandle
			mux.HandleFunc("/api/v1/policy/evaluate", post(h.EvaluatePolicy))

			mux.HandleFunc("/api/v1/policies", func(w http.ResponseWriter, r *http.Request) {
				switch r.Method {
				case http.MethodGet:
					h.ListPolicies(w, r)
				case http.MethodPost:
					h.CreatePolicy(w, r)
				default:
					http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				}
			})
			mux.HandleFunc("/api/v1/policies/update", put(h.UpdatePolicy))
			mux.HandleFunc("/api/v1/policies/delete", del(h.DeletePolicy))

			mux.HandleFunc("/api/v1/approvals/preview", post(h.PreviewSteps))
			mux.HandleFunc("/api/v1/approvals/submit", post(h.SubmitApproval))
			mux.HandleFunc("/api/v1/approvals/approve", post(h.ApproveStep))
			mux.HandleFunc("/api/v1/approvals/reject", post(h.RejectInstance))
			mux.HandleFunc("/api/v1/approvals/recall", post(h.RecallInstance))
			mux.HandleFunc("/api/v1/approvals/pending", get(h.PendingApprovals))
			mux.HandleFunc("/api/v1/approvals/steps", get(h.InstanceSteps))
			mux.HandleFunc("/api/v1/approvals/history", get(h.AuditTrail))

			mux.HandleFunc("/api/v1/alerts/settings", get(h.EscalationSettings))

			var root http.Handler = mux
			root = middleware.RequestID(root)
			root = middleware.Logger(&log.Logger)(root)
			root = middleware.Recovery(&log.Logger)(root)
			root = middleware.CORS([]string{"*"})(root)
			root = middleware.Timeout(30 * time.Second)(root)

			httpServer := &http.Server{
				Addr:         fmt.Sprintf(":%d", a.cfg.Server.Port),
				Handler:      root,
				ReadTimeout:  a.cfg.Server.ReadTimeout,
				WriteTimeout: a.cfg.Server.WriteTimeout,
				IdleTimeout:  a.cfg.Server.IdleTimeout,
			}

			go func() {
				log.Info().Int("port", a.cfg.Server.Port).Msg("Starting HTTP server")
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error().Err(err).Msg("HTTP server failed")
				}
			}()

			// gRPC surface: health + reflection for platform probes. Business
			// RPCs land once the approvals proto is published.
			grpcServer := grpc.NewServer()
			healthpb.RegisterHealthServer(grpcServer, health.NewServer())
			reflection.Register(grpcServer)

			grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.GRPC.Port))
			if err != nil {
				return fmt.Errorf("failed to create gRPC listener: %w", err)
			}
			go func() {
				log.Info().Int("port", a.cfg.GRPC.Port).Msg("Starting gRPC server")
				if err := grpcServer.Serve(grpcListener); err != nil {
					log.Error().Err(err).Msg("gRPC server failed")
				}
			}()

			// In-process escalation ticker. The scanner is not safe to run
			// concurrently with itself: keep this disabled when multiple
			// replicas run and drive `escalate` from an exclusive cron.
			if a.cfg.Escalation.Enabled {
				go func() {
					ticker := time.NewTicker(a.cfg.Escalation.Interval)
					defer ticker.Stop()
					for {
						select {
						case <-ctx.Done():
							return
						case <-ticker.C:
							if err := a.escalation.RunApprovalEscalations(ctx); err != nil {
								log.Error().Err(err).Msg("Escalation scan failed")
							}
						}
					}
				}()
				log.Info().Dur("interval", a.cfg.Escalation.Interval).Msg("Escalation scanner scheduled")
			}

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			log.Info().Msg("Shutting down server...")
			cancel()

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
			defer shutdownCancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("HTTP server shutdown failed")
			}
			grpcServer.GracefulStop()

			log.Info().Msg("Server stopped")
			return nil
		},
	}
}

// ── escalate ─────────────────────────────────────────────────────────────────

func escalateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "escalate",
		Short: "Run one escalation scan and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.escalation.RunApprovalEscalations(ctx); err != nil {
				return fmt.Errorf("escalation scan failed: %w", err)
			}
			a.log.Info().Msg("Escalation scan complete")
			return nil
		},
	}
}

// ── method guards ────────────────────────────────────────────────────────────

func methodOnly(method string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	}
}

func get(fn http.HandlerFunc) http.HandlerFunc  { return methodOnly(http.MethodGet, fn) }
func post(fn http.HandlerFunc) http.HandlerFunc { return methodOnly(http.MethodPost, fn) }
func put(fn http.HandlerFunc) http.HandlerFunc  { return methodOnly(http.MethodPut, fn) }
func del(fn http.HandlerFunc) http.HandlerFunc  { return methodOnly(http.MethodDelete, fn) }
