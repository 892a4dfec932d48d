package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/invoke"
	"AgentPay-Chain/internal/market"
	"AgentPay-Chain/internal/observability/alerting"
	"AgentPay-Chain/internal/observability/metrics"
	"AgentPay-Chain/internal/session"
)

// Server 暴露 REST 接口：会话管理、市场检索与计量调用。
type Server struct {
	addr       string
	authorizer *session.Authorizer
	catalog    market.Catalog
	invoker    *invoke.Service
	alerts     alerting.Dispatcher
}

// NewServer 构造 API 服务实例。alerts 可以为 nil。
func NewServer(addr string, authorizer *session.Authorizer, catalog market.Catalog, invoker *invoke.Service, alerts alerting.Dispatcher) *Server {
	return &Server{
		addr:       addr,
		authorizer: authorizer,
		catalog:    catalog,
		invoker:    invoker,
		alerts:     alerts,
	}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
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

// Handler 返回完整路由，测试可以不经监听直接驱动。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/sessions", s.instrument("sessions", s.handleSessions))
	mux.HandleFunc("/api/v1/agents", s.instrument("agents", s.handleAgents))
	mux.HandleFunc("/api/v1/calls", s.instrument("calls", s.handleCalls))
	mux.HandleFunc("/api/v1/threads/", s.instrument("threads", s.handleThreads))
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// instrument 记录每个接口的请求量与时延。
func (s *Server) instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// createSessionRequest 对应 POST /api/v1/sessions 的请求体。
type createSessionRequest struct {
	BudgetTokens  float64 `json:"budgetTokens"`
	DurationHours int     `json:"durationHours"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.authorizer == nil {
		http.Error(w, "会话授权器未初始化", http.StatusServiceUnavailable)
		return
	}

	switch r.Method {
	case http.MethodPost:
		var req createSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "请求体解析失败", http.StatusBadRequest)
			return
		}
		if err := s.authorizer.CreateSession(r.Context(), req.BudgetTokens, req.DurationHours); err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, s.authorizer.Snapshot())
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.authorizer.Snapshot())
	case http.MethodDelete:
		if err := s.authorizer.EndSession(r.Context()); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "仅支持 GET/POST/DELETE", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if query := strings.TrimSpace(r.URL.Query().Get("q")); query != "" {
		writeJSON(w, http.StatusOK, s.catalog.Search(query))
		return
	}
	writeJSON(w, http.StatusOK, s.catalog.List())
}

// callRequest 对应 POST /api/v1/calls 的请求体。
type callRequest struct {
	ListingID string `json:"listingId"`
	Message   string `json:"message"`
	Prompt    string `json:"prompt"`
	Image     string `json:"image"`
	Audio     string `json:"audio"`
	// Stream 为真时以 SSE 推送增量，否则等待最终结果一次返回。
	Stream bool `json:"stream"`
}

// callResponse 是非流式调用的响应体。
type callResponse struct {
	Kind      string `json:"kind"`
	Text      string `json:"text,omitempty"`
	MediaURL  string `json:"mediaUrl,omitempty"`
	MediaKind string `json:"mediaKind,omitempty"`
	Charged   int64  `json:"charged"`
}

func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.invoker == nil {
		http.Error(w, "调用服务未初始化", http.StatusServiceUnavailable)
		return
	}

	var req callRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	invokeReq := invoke.Request{
		ListingID: req.ListingID,
		Message:   req.Message,
		Prompt:    req.Prompt,
		ImageURL:  req.Image,
		AudioURL:  req.Audio,
	}

	if req.Stream {
		s.streamCall(w, r, invokeReq)
		return
	}

	outcome, err := s.invoker.Call(r.Context(), invokeReq, nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, callResponse{
		Kind:      string(outcome.Result.Kind),
		Text:      outcome.Result.Text,
		MediaURL:  outcome.Result.MediaURL,
		MediaKind: outcome.Result.MediaKind,
		Charged:   outcome.Charged,
	})
}

// streamCall 以 SSE 推送增量快照，结束时发送 result 或 error 事件。
func (s *Server) streamCall(w http.ResponseWriter, r *http.Request, req invoke.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "当前连接不支持流式响应", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	onIncrement := func(snapshot string) {
		payload, _ := json.Marshal(map[string]string{"text": snapshot})
		fmt.Fprintf(w, "event: delta\ndata: %s\n\n", payload)
		flusher.Flush()
	}

	outcome, err := s.invoker.Call(r.Context(), req, onIncrement)
	if err != nil {
		s.notifyAlert(r.Context(), err)
		payload, _ := json.Marshal(map[string]string{
			"code":    string(xerrors.CodeOf(err)),
			"message": err.Error(),
		})
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
		flusher.Flush()
		return
	}

	payload, _ := json.Marshal(callResponse{
		Kind:      string(outcome.Result.Kind),
		Text:      outcome.Result.Text,
		MediaURL:  outcome.Result.MediaURL,
		MediaKind: outcome.Result.MediaKind,
		Charged:   outcome.Charged,
	})
	fmt.Fprintf(w, "event: result\ndata: %s\n\n", payload)
	flusher.Flush()
}

func (s *Server) handleThreads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "仅支持 DELETE", http.StatusMethodNotAllowed)
		return
	}
	listingID := strings.TrimPrefix(r.URL.Path, "/api/v1/threads/")
	if listingID == "" {
		http.Error(w, "缺少智能体标识", http.StatusBadRequest)
		return
	}
	if s.invoker != nil {
		s.invoker.ResetThread(listingID)
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeError 按错误码映射 HTTP 状态，并在需要时触发告警。
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	s.notifyAlert(r.Context(), err)

	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case xerrors.CodeSessionNotFound:
		status = http.StatusNotFound
	case xerrors.CodeInsufficientBalance:
		status = http.StatusPaymentRequired
	case xerrors.CodeConflict:
		status = http.StatusConflict
	case xerrors.CodeAuthUnavailable:
		status = http.StatusServiceUnavailable
	case xerrors.CodeTimeout:
		status = http.StatusGatewayTimeout
	}

	writeJSON(w, status, map[string]string{
		"code":    string(xerrors.CodeOf(err)),
		"message": err.Error(),
	})
}

func (s *Server) notifyAlert(ctx context.Context, err error) {
	if s.alerts == nil || !xerrors.ShouldAlert(err) {
		return
	}
	event := alerting.Event{
		Code:       xerrors.CodeOf(err),
		Message:    err.Error(),
		Severity:   xerrors.SeverityOf(err),
		OccurredAt: time.Now(),
	}
	if s.authorizer != nil {
		event.Owner = s.authorizer.Owner()
	}
	_ = s.alerts.Notify(ctx, event)
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
