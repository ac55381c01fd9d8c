package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"OpenBazaar-Chain/internal/market"
	"OpenBazaar-Chain/internal/observability/metrics"
)

// AuthConfig 描述接口鉴权方式。Mode 为 "disabled" 时放行所有请求，
// 为 "token" 时写操作要求携带静态 Bearer 令牌。
type AuthConfig struct {
	Mode  string
	Token string
}

// Server 负责暴露 REST 接口，供人工驱动集市会话。
type Server struct {
	addr   string
	orch   *market.Orchestrator
	stream *StreamHub
	auth   AuthConfig
}

// NewServer 构造 API 服务实例。stream 可为 nil，表示不提供实时推送。
func NewServer(addr string, orch *market.Orchestrator, stream *StreamHub, auth AuthConfig) *Server {
	return &Server{addr: addr, orch: orch, stream: stream, auth: auth}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/session/trigger", instrument("session_trigger", s.requireAuth(s.handleTrigger)))
	mux.HandleFunc("/api/v1/session", instrument("session_get", s.handleSession))
	mux.HandleFunc("/api/v1/session/approval", instrument("session_approval", s.requireAuth(s.handleApproval)))
	mux.HandleFunc("/api/v1/session/review", instrument("session_review", s.requireAuth(s.handleReview)))
	if s.stream != nil {
		mux.Handle("/api/v1/stream", s.stream)
	}

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// requireAuth 对写操作应用静态令牌校验。
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	if !strings.EqualFold(s.auth.Mode, "token") {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.auth.Token)) != 1 {
			http.Error(w, "未授权", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.orch == nil {
		http.Error(w, "协调器未初始化", http.StatusServiceUnavailable)
		return
	}

	var req market.TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.TaskRef) == "" {
		http.Error(w, "task_ref 不能为空", http.StatusBadRequest)
		return
	}

	session, err := s.orch.Trigger(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusAccepted, session)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.orch == nil {
		http.Error(w, "协调器未初始化", http.StatusServiceUnavailable)
		return
	}
	session := s.orch.Snapshot()
	if session == nil {
		http.Error(w, "当前没有会话", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

type approvalRequest struct {
	Approved bool              `json:"approved"`
	Winners  map[string]string `json:"winners,omitempty"`
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.orch == nil {
		http.Error(w, "协调器未初始化", http.StatusServiceUnavailable)
		return
	}

	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	accepted := s.orch.ResolveBidApproval(market.BidDecision{
		Approved: req.Approved,
		Winners:  req.Winners,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"accepted": accepted})
}

type reviewRequest struct {
	Reviews map[string]market.Review `json:"reviews"`
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.orch == nil {
		http.Error(w, "协调器未初始化", http.StatusServiceUnavailable)
		return
	}

	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if len(req.Reviews) == 0 {
		http.Error(w, "reviews 不能为空", http.StatusBadRequest)
		return
	}
	accepted := s.orch.ResolveReview(market.ReviewDecision{Reviews: req.Reviews})
	writeJSON(w, http.StatusOK, map[string]bool{"accepted": accepted})
}

// statusRecorder 捕获响应码用于指标上报。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument 记录请求量与时延指标。
func instrument(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
