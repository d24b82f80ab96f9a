// cmd/orchestrator/main.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"poolguarantee/internal/audit"
	"poolguarantee/internal/authz"
	"poolguarantee/internal/common/aws"
	"poolguarantee/internal/common/config"
	"poolguarantee/internal/common/database"
	stderrors "poolguarantee/internal/common/errors"
	"poolguarantee/internal/common/logger"
	"poolguarantee/internal/common/observability"
	"poolguarantee/internal/ledger"
	"poolguarantee/internal/models"
	"poolguarantee/internal/notify"
	"poolguarantee/internal/orchestrator"
	"poolguarantee/internal/registry"
	"poolguarantee/internal/search"
	"poolguarantee/internal/voting"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, logger *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for attempt := 1; attempt <= maxRetries; attempt++ {
		err = operation()
		if err == nil {
			if attempt > 1 {
				logger.Info("Operation succeeded after retry",
					zap.String("operation", operationName),
					zap.Int("attempt", attempt))
			}
			return nil
		}

		if attempt < maxRetries {
			logger.Warn("Operation failed, retrying...",
				zap.String("operation", operationName),
				zap.Int("attempt", attempt),
				zap.Int("max_retries", maxRetries),
				zap.Duration("retry_delay", delay),
				zap.Error(err))
			time.Sleep(delay)
			delay = delay * 2
			if delay > 30*time.Second {
				delay = 30 * time.Second
			}
		}
	}

	return fmt.Errorf("operation %s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting pool guarantee orchestrator",
		zap.String("app", cfg.App.Name),
		zap.String("version", cfg.App.Version),
		zap.String("environment", cfg.App.Environment),
		zap.String("network", cfg.Ledger.Network))

	obs := observability.New("pool-guarantee-orchestrator")
	defer obs.Shutdown()

	// PostgreSQL connection with retry
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var connErr error
		pg, connErr = database.NewPostgres(cfg.Database.Postgres)
		if connErr != nil {
			return connErr
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")
	if err != nil {
		zapLog.Fatal("Failed to connect to PostgreSQL after retries", zap.Error(err))
	}
	defer pg.Close()

	// Redis connection with retry
	var rdb *database.RedisClient
	err = retryWithBackoff(func() error {
		var connErr error
		rdb, connErr = database.NewRedis(cfg.Database.Redis)
		if connErr != nil {
			return connErr
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return rdb.Ping(ctx)
	}, 10, 2*time.Second, zapLog, "Redis connection")
	if err != nil {
		zapLog.Fatal("Failed to connect to Redis after retries", zap.Error(err))
	}
	defer rdb.Close()

	// Elasticsearch connection with retry
	var es *database.ElasticsearchClient
	err = retryWithBackoff(func() error {
		var connErr error
		es, connErr = database.NewElasticsearch(cfg.Database.Elasticsearch)
		if connErr != nil {
			return connErr
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return es.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "Elasticsearch connection")
	if err != nil {
		zapLog.Fatal("Failed to connect to Elasticsearch after retries", zap.Error(err))
	}

	reg := registry.New(registry.NewRedisStore(rdb.GetClient()), log)

	ledgerClient := ledger.NewHTTPClient(cfg.Ledger, log)
	adapter := ledger.NewAdapter(ledgerClient, reg, log)

	votes := voting.NewService(reg, reg, cfg.Voting.Quorum, log)
	auditor := audit.NewLog(pg, cfg.Audit.MaxRecordsPerAccount, log)
	indexer := search.NewIndexer(es, log)
	if err := indexer.Bootstrap(context.Background()); err != nil {
		zapLog.Warn("Elasticsearch index bootstrap failed", zap.Error(err))
	}

	var emailSender notify.EmailSender
	var smsSender notify.SMSSender
	if cfg.Integrations.AWS.SES.Enabled {
		sesClient, err := aws.NewSESClient(context.Background(), cfg.Integrations.AWS.Region)
		if err != nil {
			zapLog.Warn("SES client unavailable, email notifications disabled", zap.Error(err))
		} else {
			emailSender = sesClient
		}
	}
	if cfg.Integrations.AWS.SNS.Enabled {
		snsClient, err := aws.NewSNSClient(context.Background(), cfg.Integrations.AWS.Region)
		if err != nil {
			zapLog.Warn("SNS client unavailable, sms notifications disabled", zap.Error(err))
		} else {
			smsSender = snsClient
		}
	}
	notifier := notify.NewNotifier(emailSender, smsSender, cfg.Notifications, log)

	orch := orchestrator.New(orchestrator.Deps{
		Registry:   reg,
		Adapter:    adapter,
		Votes:      votes,
		Settlement: cfg.Settlement,
		Network:    cfg.Ledger.Network,
		Notifier:   notifier,
		Indexer:    indexer,
		Auditor:    auditor,
		Logger:     log,
	})

	api := newAPIServer(orch, reg, votes, obs, log)

	apiServer := &http.Server{
		Addr:         cfg.Server.ListenAddress,
		Handler:      api.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: config.GetDuration(cfg.Ledger.AwaitTimeout) + 30*time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	metricsMux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pg.Ping(ctx); err != nil {
			http.Error(w, "postgres not ready", http.StatusServiceUnavailable)
			return
		}
		if err := rdb.Ping(ctx); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("READY"))
	})
	metricsServer := &http.Server{
		Addr:    cfg.Server.MetricsAddress,
		Handler: metricsMux,
	}

	go func() {
		zapLog.Info("Metrics server listening", zap.String("address", cfg.Server.MetricsAddress))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLog.Error("Metrics server failed", zap.Error(err))
		}
	}()

	go func() {
		zapLog.Info("API server listening", zap.String("address", cfg.Server.ListenAddress))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLog.Fatal("API server failed", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	zapLog.Info("Shutdown signal received", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.GetDuration(cfg.Server.ShutdownGrace))
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("API server shutdown failed", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("Metrics server shutdown failed", zap.Error(err))
	}

	zapLog.Info("Orchestrator stopped")
}

// apiServer exposes the lifecycle over HTTP. Every action goes through the
// same orchestrator pipeline; the handlers only translate between HTTP and
// the error taxonomy.
type apiServer struct {
	orch  *orchestrator.Orchestrator
	reg   *registry.Registry
	votes *voting.Service
	obs   *observability.Observability
	log   logger.Logger
}

func newAPIServer(orch *orchestrator.Orchestrator, reg *registry.Registry, votes *voting.Service, obs *observability.Observability, log logger.Logger) *apiServer {
	return &apiServer{orch: orch, reg: reg, votes: votes, obs: obs, log: log}
}

func (s *apiServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/actions", s.handlePerform)
	mux.HandleFunc("GET /v1/applications/{requestId}", s.handleGetApplication)
	mux.HandleFunc("GET /v1/applications/{requestId}/draft", s.handleGetDraft)
	mux.HandleFunc("POST /v1/applications/{requestId}/reconcile", s.handleReconcile)
	mux.HandleFunc("PUT /v1/pool/allowlist", s.handleSetAllowlist)
	return mux
}

type performRequest struct {
	Role      models.Role            `json:"role"`
	Action    authz.Action           `json:"action"`
	RequestID string                 `json:"requestId"`
	Payload   map[string]interface{} `json:"payload"`
}

func (s *apiServer) handlePerform(w http.ResponseWriter, r *http.Request) {
	var req performRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, stderrors.NewValidationFailedError("malformed request body: "+err.Error()))
		return
	}
	if req.RequestID == "" {
		s.writeError(w, stderrors.NewValidationFailedError("requestId is required"))
		return
	}

	start := time.Now()
	outcome, err := s.orch.Perform(r.Context(), req.Role, req.Action, req.RequestID, req.Payload)
	s.obs.RecordActionDuration(r.Context(), time.Since(start), string(req.Action))
	if err != nil {
		s.obs.RecordActionProcessed(r.Context(), string(req.Action), "error")
		s.writeError(w, err)
		return
	}

	s.obs.RecordActionProcessed(r.Context(), string(req.Action), "success")
	s.writeJSON(w, http.StatusOK, outcome)
}

func (s *apiServer) handleGetApplication(w http.ResponseWriter, r *http.Request) {
	app, err := s.reg.GetApplication(r.Context(), r.PathValue("requestId"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, app)
}

func (s *apiServer) handleGetDraft(w http.ResponseWriter, r *http.Request) {
	draft, err := s.reg.GetDraft(r.Context(), r.PathValue("requestId"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, draft)
}

// handleReconcile re-checks the parked ledger operation for an application
// after a timeout and applies a late confirmation.
func (s *apiServer) handleReconcile(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.orch.Reconcile(r.Context(), r.PathValue("requestId"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, outcome)
}

type allowlistRequest struct {
	Addresses []string `json:"addresses"`
}

func (s *apiServer) handleSetAllowlist(w http.ResponseWriter, r *http.Request) {
	var req allowlistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, stderrors.NewValidationFailedError("malformed request body: "+err.Error()))
		return
	}
	if err := s.votes.ValidateAllowlist(req.Addresses); err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.reg.SetAllowlist(r.Context(), req.Addresses); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"members": len(req.Addresses)})
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("response encoding failed", map[string]interface{}{"error": err.Error()})
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, err error) {
	code := stderrors.CodeOf(err)

	status := http.StatusInternalServerError
	switch code {
	case stderrors.ErrCodeValidationFailed, stderrors.ErrCodeUnknownAction,
		stderrors.ErrCodeInvalidAmount, stderrors.ErrCodeNegativeBalance:
		status = http.StatusBadRequest
	case stderrors.ErrCodeWrongRole, stderrors.ErrCodeNotAllowlisted:
		status = http.StatusForbidden
	case stderrors.ErrCodeApplicationNotFound, stderrors.ErrCodeNoPendingOperation:
		status = http.StatusNotFound
	case stderrors.ErrCodeWrongStage, stderrors.ErrCodeAlreadyTransitioned,
		stderrors.ErrCodeInvalidTransition, stderrors.ErrCodeVotingClosed,
		stderrors.ErrCodeDuplicateRequest, stderrors.ErrCodeStaleStage,
		stderrors.ErrCodeRecordFinalized:
		status = http.StatusConflict
	case stderrors.ErrCodeStoreUnavailable:
		status = http.StatusServiceUnavailable
	case stderrors.ErrCodeLedgerReverted:
		status = http.StatusBadGateway
	case stderrors.ErrCodeLedgerTimedOut:
		status = http.StatusGatewayTimeout
	}

	body := map[string]interface{}{
		"code":    string(code),
		"message": err.Error(),
	}
	var stdErr *stderrors.StandardError
	if errors.As(err, &stdErr) {
		body["message"] = stdErr.Message
		if stdErr.Details != "" {
			body["details"] = stdErr.Details
		}
		if len(stdErr.Metadata) > 0 {
			body["metadata"] = stdErr.Metadata
		}
		body["retryable"] = stdErr.Retryable
	}

	s.writeJSON(w, status, body)
}
