package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/dhcgn/mailsink/ingest"
	"github.com/dhcgn/mailsink/model"
)

// SourcePrefix marks HTTP deliveries in marker records.
const SourcePrefix = model.HTTPSourcePrefix

const defaultMaxBodyBytes int64 = 10 * 1024 * 1024

// Submitter hands a delivery to the ingestion workers. *ingest.Pool implements it.
type Submitter interface {
	Submit(ctx context.Context, env model.Envelope) (ingest.Result, error)
}

type Options struct {
	Addr string
	// Token enables bearer authentication when set.
	Token        string
	MaxBodyBytes int64
	// RateLimit is requests per second per client IP; zero disables limiting.
	RateLimit float64
	Burst     int
}

type jsonResponse struct {
	Error  string         `json:"error,omitempty"`
	Result *ingest.Result `json:"result,omitempty"`
}

type handler struct {
	pool         Submitter
	token        string
	maxBodyBytes int64
	logger       *slog.Logger
}

// Server serves the drop-off API.
type Server struct {
	httpServer *http.Server
	limiter    *Limiter
	logger     *slog.Logger
}

func NewServer(opts Options, pool Submitter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	var limiter *Limiter
	if opts.RateLimit > 0 {
		limiter = NewLimiter(opts.RateLimit, opts.Burst)
	}
	return &Server{
		httpServer: &http.Server{
			Addr:              opts.Addr,
			Handler:           NewRouter(opts, pool, limiter, logger),
			ReadHeaderTimeout: 10 * time.Second,
		},
		limiter: limiter,
		logger:  logger,
	}
}

// NewRouter builds the API routes. A nil limiter disables rate limiting.
func NewRouter(opts Options, pool Submitter, limiter *Limiter, logger *slog.Logger) *chi.Mux {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	h := &handler{
		pool:         pool,
		token:        strings.TrimSpace(opts.Token),
		maxBodyBytes: maxBody,
		logger:       logger,
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.RealIP)

	r.Get("/healthz", h.handleHealth)

	r.Group(func(r chi.Router) {
		if limiter != nil {
			r.Use(RateLimit(limiter))
		}
		r.Post("/v1/messages", h.handleSubmit)
	})

	return r
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("http listener starting", "addr", s.httpServer.Addr)
	return ignoreClosed(s.httpServer.ListenAndServe())
}

func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("http listener starting", "addr", l.Addr().String())
	return ignoreClosed(s.httpServer.Serve(l))
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.Stop()
	}
	return s.httpServer.Shutdown(ctx)
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if h.token != "" && !validBearerToken(r.Header.Get("Authorization"), h.token) {
		writeJSON(w, http.StatusUnauthorized, jsonResponse{Error: "unauthorized"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, jsonResponse{Error: "payload too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, jsonResponse{Error: "could not read body"})
		return
	}

	env := model.NewEnvelope(SourcePrefix+uuid.NewString(), raw)
	result, err := h.pool.Submit(r.Context(), env)
	if err != nil {
		if ingest.Permanent(err) {
			h.logger.Warn("drop-off rejected", "source", env.Source, "err", err)
			writeJSON(w, http.StatusBadRequest, jsonResponse{Error: err.Error()})
			return
		}
		h.logger.Error("drop-off failed", "source", env.Source, "err", err)
		writeJSON(w, http.StatusServiceUnavailable, jsonResponse{Error: "temporary failure, try again later"})
		return
	}

	h.logger.Info("drop-off stored", "source", env.Source, "folders", len(result.Folders))
	writeJSON(w, http.StatusAccepted, jsonResponse{Result: &result})
}

// RateLimit rejects clients over their budget with 429.
func RateLimit(limiter *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			if !limiter.Allow(ip) {
				writeJSON(w, http.StatusTooManyRequests, jsonResponse{Error: "rate limit exceeded"})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func validBearerToken(headerValue, expected string) bool {
	headerValue = strings.TrimSpace(headerValue)
	const prefix = "Bearer "
	if !strings.HasPrefix(headerValue, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(headerValue, prefix))
	return token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
