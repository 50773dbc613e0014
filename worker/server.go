package worker

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/jobcacher/azstash/internal/trace"
	"github.com/jobcacher/azstash/pkg/paths"
	"github.com/jobcacher/azstash/transfer"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// maximum accepted transfer request body
const maxRequestBytes = 1 << 20

type metrics struct {
	transfers *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	bytes     *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)

	return &metrics{
		transfers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "azstash_agent_transfers_total",
			Help: "Transfers executed by the agent, by op and result code.",
		}, []string{"op", "code"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "azstash_agent_transfer_duration_seconds",
			Help:    "Duration of transfers executed by the agent.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"op"}),
		bytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "azstash_agent_transfer_bytes_total",
			Help: "Bytes moved by successful transfers.",
		}, []string{"op"}),
	}
}

// ServerConfig configures an agent.
type ServerConfig struct {
	// Executor runs the units, a default executor is used when nil.
	Executor *transfer.Executor
	// Root confines every path to this directory when set.
	Root string
	// Token is the shared secret expected in the Authorization header when set.
	Token string
	// Registry receives the agent metrics, a private registry is used when nil.
	Registry *prometheus.Registry
}

// Server is the agent side of the worker protocol. It executes units it
// receives against its own filesystem.
type Server struct {
	executor *transfer.Executor
	root     string
	token    string
	registry *prometheus.Registry
	metrics  *metrics
}

func NewServer(cfg ServerConfig) *Server {
	executor := cfg.Executor
	if executor == nil {
		executor = transfer.NewExecutor()
	}

	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	return &Server{
		executor: executor,
		root:     cfg.Root,
		token:    cfg.Token,
		registry: registry,
		metrics:  newMetrics(registry),
	}
}

// Handler returns the agent's routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	api := r.NewRoute().Subrouter()
	api.Use(s.authenticate)
	api.HandleFunc(transfersPath, s.handleTransfer).Methods(http.MethodPost)
	api.HandleFunc(filesPath, s.handleStat).Methods(http.MethodGet)

	r.HandleFunc(healthPath, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.Handle(metricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{DisableCompression: true})).Methods(http.MethodGet)

	return gzhttp.GzipHandler(r)
}

// ListenAndServe serves the agent on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Str("root", s.root).Msg("agent listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			got, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Token ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, encodeError(ErrUnauthorized))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	ctx, span := trace.Start(r.Context(), "Server.Transfer")
	defer span.End()

	var req TransferReq
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		s.fail(w, "", trace.NewError(span, "%w: failed to decode request: %w", transfer.ErrInvalidUnit, err))
		return
	}

	span.SetAttributes(attribute.String("op", string(req.Unit.Op)))

	path, err := paths.Confine(s.root, req.Path)
	if err != nil {
		s.fail(w, req.Unit.Op, trace.NewError(span, "%w: %w", ErrForbiddenPath, err))
		return
	}

	log.Info().Str("unit", req.Unit.String()).Str("path", path).Msg("executing transfer")

	start := time.Now()
	info, err := s.executor.Execute(ctx, req.Unit, path)
	s.metrics.duration.WithLabelValues(string(req.Unit.Op)).Observe(time.Since(start).Seconds())
	if err != nil {
		s.fail(w, req.Unit.Op, err)
		return
	}

	s.metrics.transfers.WithLabelValues(string(req.Unit.Op), "ok").Inc()
	s.metrics.bytes.WithLabelValues(string(req.Unit.Op)).Add(float64(info.BytesTransferred))

	log.Info().
		Str("path", path).
		Int64("bytes", info.BytesTransferred).
		Float64("speed_mbps", info.TransferSpeed).
		Msg("transfer complete")

	writeJSON(w, http.StatusOK, TransferResp{Info: info})
}

func (s *Server) handleStat(w http.ResponseWriter, r *http.Request) {
	path, err := paths.Confine(s.root, r.URL.Query().Get("path"))
	if err != nil {
		if !errors.Is(err, paths.ErrOutsideRoot) {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Code: CodeInternal, Message: err.Error()})
			return
		}
		writeJSON(w, http.StatusForbidden, encodeError(errors.Join(ErrForbiddenPath, err)))
		return
	}

	stat, err := statFile(path)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, encodeError(err))
		return
	}

	writeJSON(w, http.StatusOK, stat)
}

func (s *Server) fail(w http.ResponseWriter, op transfer.Op, err error) {
	resp := encodeError(err)
	s.metrics.transfers.WithLabelValues(string(op), resp.Code).Inc()

	log.Warn().Err(err).Str("code", resp.Code).Msg("transfer failed")

	writeJSON(w, statusFor(resp.Code), resp)
}

func statusFor(code string) int {
	switch code {
	case CodeInvalidUnit:
		return http.StatusBadRequest
	case CodeForbiddenPath:
		return http.StatusForbidden
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeRejected:
		return http.StatusBadGateway
	case CodeIO:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
