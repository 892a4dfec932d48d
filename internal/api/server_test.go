package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/executor"
	"AgentPay-Chain/internal/invoke"
	"AgentPay-Chain/internal/market"
	"AgentPay-Chain/internal/meter"
	"AgentPay-Chain/internal/observability/alerting"
	"AgentPay-Chain/internal/session"
	"AgentPay-Chain/internal/stream"
)

type stubWallet struct {
	account string
	balance *big.Int
}

func (w *stubWallet) CurrentAccount(context.Context) (string, error) { return w.account, nil }
func (w *stubWallet) TokenBalance(context.Context, string) (*big.Int, error) {
	return new(big.Int).Set(w.balance), nil
}
func (w *stubWallet) Allowance(context.Context, string, string) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (w *stubWallet) Approve(context.Context, string, *big.Int) error { return nil }
func (w *stubWallet) IssueSessionKey(context.Context, session.KeySpec) (string, error) {
	return "0x00000000000000000000000000000000000000f1", nil
}

func newTestServer(t *testing.T, backend http.HandlerFunc) *Server {
	t.Helper()
	agent := httptest.NewServer(backend)
	t.Cleanup(agent.Close)

	wallet := &stubWallet{
		account: "0x1111111111111111111111111111111111111111",
		balance: big.NewInt(100_000_000),
	}
	authorizer := session.NewAuthorizer(wallet, session.NewMemoryStore(), session.Config{
		TokenContract: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		Collector:     "0x00000000000000000000000000000000000000AA",
	})
	if err := authorizer.Init(context.Background(), wallet.account); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(authorizer.Teardown)

	catalog := market.NewStaticCatalog([]market.Listing{{
		ID:       "echo-agent",
		Name:     "Echo",
		Endpoint: agent.URL,
		Modality: market.ModalityChat,
		Price:    100,
	}}, 10)

	exec := executor.New(agent.Client(), nil, time.Millisecond)
	consumer := stream.NewConsumer(func() stream.Scheduler { return stream.NewFrameScheduler(time.Millisecond) }, nil)
	m := meter.New(authorizer, meter.NoopPublisher{}, meter.CostTable{PerTextRune: 10, MinCharge: 10})
	invoker := invoke.NewService(catalog, authorizer, exec, consumer, m)

	return NewServer(":0", authorizer, catalog, invoker, nil)
}

func TestSessionLifecycleOverREST(t *testing.T) {
	server := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	handler := server.Handler()

	// 创建会话。
	body := strings.NewReader(`{"budgetTokens": 5, "durationHours": 24}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", body)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("创建会话失败: %d %s", rec.Code, rec.Body.String())
	}
	var created session.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("解析会话快照: %v", err)
	}
	if !created.IsActive || created.BudgetLimit != 5_000_000 {
		t.Fatalf("会话快照异常: %+v", created)
	}

	// 查询会话。
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("查询会话失败: %d", rec.Code)
	}

	// 终止会话。
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/sessions", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("终止会话失败: %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil))
	var ended session.Session
	_ = json.Unmarshal(rec.Body.Bytes(), &ended)
	if ended.IsActive {
		t.Fatal("终止后的会话不应仍然活跃")
	}
}

func TestCreateSessionRejectsBadBody(t *testing.T) {
	server := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/sessions", strings.NewReader("{broken")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("期望 400, got %d", rec.Code)
	}
}

func TestAgentsListingAndSearch(t *testing.T) {
	server := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	handler := server.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil))
	var listings []market.Listing
	if err := json.Unmarshal(rec.Body.Bytes(), &listings); err != nil {
		t.Fatalf("解析目录: %v", err)
	}
	if len(listings) != 1 || listings[0].ID != "echo-agent" {
		t.Fatalf("目录内容异常: %+v", listings)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/agents?q=没有这个", nil))
	var empty []market.Listing
	_ = json.Unmarshal(rec.Body.Bytes(), &empty)
	if len(empty) != 0 {
		t.Fatalf("空检索应返回空列表: %+v", empty)
	}
}

func TestCallEndpointJSON(t *testing.T) {
	server := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("调用结果"))
	})
	handler := server.Handler()

	// 无会话时调用应被预算预检拒绝。
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/calls",
		strings.NewReader(`{"listingId":"echo-agent","message":"hi"}`)))
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("无会话调用应返回 402, got %d %s", rec.Code, rec.Body.String())
	}

	// 建立会话后调用成功。
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/sessions",
		strings.NewReader(`{"budgetTokens": 5, "durationHours": 1}`)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("创建会话失败: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/calls",
		strings.NewReader(`{"listingId":"echo-agent","message":"hi"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("调用失败: %d %s", rec.Code, rec.Body.String())
	}
	var result callResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("解析调用结果: %v", err)
	}
	if result.Text != "调用结果" || result.Charged <= 0 {
		t.Fatalf("调用结果异常: %+v", result)
	}
}

func TestCallEndpointSSE(t *testing.T) {
	server := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("streamed"))
	})
	handler := server.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/sessions",
		strings.NewReader(`{"budgetTokens": 5, "durationHours": 1}`)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("创建会话失败: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/calls",
		strings.NewReader(`{"listingId":"echo-agent","message":"hi","stream":true}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("流式调用失败: %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("响应类型异常: %q", ct)
	}

	var sawResult bool
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		if scanner.Text() == "event: result" {
			sawResult = true
		}
	}
	if !sawResult {
		t.Fatal("流式响应缺少 result 事件")
	}
}

func TestThreadsResetEndpoint(t *testing.T) {
	server := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	handler := server.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/threads/echo-agent", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("重置线程失败: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/threads/echo-agent", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("期望 405, got %d", rec.Code)
	}
}

type failingApproveWallet struct {
	stubWallet
}

func (w *failingApproveWallet) Approve(context.Context, string, *big.Int) error {
	return errors.New("approve 交易被回滚")
}

type recordingDispatcher struct {
	events []alerting.Event
}

func (d *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	d.events = append(d.events, event)
	return nil
}

func TestAlertDispatchedOnAllowanceFailure(t *testing.T) {
	wallet := &failingApproveWallet{stubWallet{
		account: "0x1111111111111111111111111111111111111111",
		balance: big.NewInt(100_000_000),
	}}
	authorizer := session.NewAuthorizer(wallet, session.NewMemoryStore(), session.Config{})
	if err := authorizer.Init(context.Background(), wallet.account); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(authorizer.Teardown)

	dispatcher := &recordingDispatcher{}
	server := NewServer(":0", authorizer, market.NewStaticCatalog(nil, 10), nil, dispatcher)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/sessions",
		strings.NewReader(`{"budgetTokens": 5, "durationHours": 1}`)))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("授权失败应返回 500, got %d %s", rec.Code, rec.Body.String())
	}

	if len(dispatcher.events) != 1 {
		t.Fatalf("期望一条告警, got %d", len(dispatcher.events))
	}
	event := dispatcher.events[0]
	if event.Code != xerrors.CodeAllowanceTxFailed {
		t.Fatalf("告警错误码异常: %s", event.Code)
	}
	if event.Owner != wallet.account {
		t.Fatalf("告警归属异常: %q", event.Owner)
	}
}

func TestMetricsEndpointExposed(t *testing.T) {
	server := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	handler := server.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics 返回 %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "agentpay_http_requests_total") {
		t.Fatalf("指标输出缺少请求计数: %s", rec.Body.String()[:min(200, rec.Body.Len())])
	}
}
