// Package webhook receives repository events over HTTP, authenticates them
// against per-project secrets, and hands verified payloads to the reconciler.
package webhook

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cloud-shuttle/muster/internal/db"
	"github.com/cloud-shuttle/muster/internal/reconcile"
	"github.com/cloud-shuttle/muster/pkg/types"
)

// Server is the webhook ingress. Signature verification happens before any
// WorkItem/Run mutation; an unverifiable request never reaches the reconciler.
type Server struct {
	store        *db.Store
	reconciler   *reconcile.Reconciler
	logger       *zap.Logger
	maxBodyBytes int64

	mu          sync.Mutex
	limiters    map[string]*rate.Limiter
	lastCleanup time.Time
}

// NewServer creates a webhook server
func NewServer(store *db.Store, reconciler *reconcile.Reconciler, maxBodyBytes int64, logger *zap.Logger) *Server {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	return &Server{
		store:        store,
		reconciler:   reconciler,
		logger:       logger,
		maxBodyBytes: maxBodyBytes,
		limiters:     make(map[string]*rate.Limiter),
		lastCleanup:  time.Now(),
	}
}

// Handler returns the HTTP handler for the ingress endpoints
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", s.handleWebhook)
	mux.HandleFunc("/health", handleHealth)
	return mux
}

// ListenAndServe runs the ingress with slowloris-resistant timeouts
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.logger.Info("webhook server listening", zap.String("addr", addr))
	return srv.ListenAndServe()
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := clientIP(r)
	if !s.limiterFor(clientIP).Allow() {
		s.logger.Warn("rate limit exceeded", zap.String("ip", clientIP))
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("X-Hub-Signature-256")
	if signature == "" {
		s.logger.Warn("missing webhook signature", zap.String("ip", clientIP))
		http.Error(w, "missing signature", http.StatusUnauthorized)
		return
	}

	project, err := s.verifyProject(signature, body)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if project == nil {
		s.logger.Warn("webhook signature verification failed", zap.String("ip", clientIP))
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	s.logger.Info("webhook received",
		zap.String("event", eventType),
		zap.String("project", project.Name))

	if !s.reconciler.HandleEvent(r.Context(), project, eventType, body) {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

// verifyProject finds the project whose stored secret authenticates the
// payload, recomputing the HMAC over the exact raw body for each candidate.
// Trying every project does not scale to large deployments; it is acceptable
// at this scope.
func (s *Server) verifyProject(signature string, body []byte) (*types.Project, error) {
	projects, err := s.store.ListProjects()
	if err != nil {
		s.logger.Error("listing projects failed", zap.Error(err))
		return nil, err
	}

	for _, p := range projects {
		if p.WebhookSecret == "" {
			continue
		}
		if github.ValidateSignature(signature, body, []byte(p.WebhookSecret)) == nil {
			return p, nil
		}
	}
	return nil, nil
}

// limiterFor returns the per-IP limiter, resetting the table hourly so
// long-running servers do not accumulate dead entries.
func (s *Server) limiterFor(ip string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if time.Since(s.lastCleanup) > time.Hour {
		s.limiters = make(map[string]*rate.Limiter)
		s.lastCleanup = time.Now()
	}

	limiter, ok := s.limiters[ip]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(1), 10)
		s.limiters[ip] = limiter
	}
	return limiter
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return r.RemoteAddr
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}
