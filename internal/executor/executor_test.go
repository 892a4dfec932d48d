package executor

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
)

type fakeRegistrar struct {
	calls int32
	err   error
}

func (f *fakeRegistrar) EnsureRegistered(_ context.Context, _ string) error {
	atomic.AddInt32(&f.calls, 1)
	return f.err
}

// scriptedServer 按预设状态码序列应答，超出序列后返回最后一个。
func scriptedServer(t *testing.T, statuses []int, body string) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idx := int(atomic.AddInt32(&calls, 1)) - 1
		if idx >= len(statuses) {
			idx = len(statuses) - 1
		}
		w.WriteHeader(statuses[idx])
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestDoRetriesOnceAfterRegistration(t *testing.T) {
	srv, calls := scriptedServer(t, []int{http.StatusNotFound, http.StatusOK}, "ok")
	registrar := &fakeRegistrar{}
	exec := New(srv.Client(), registrar, time.Millisecond)

	resp, err := exec.Do(context.Background(), srv.URL, map[string]string{"message": "hi"}, "0xowner")
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	if got := atomic.LoadInt32(calls); got != 2 {
		t.Fatalf("expected 2 upstream calls, got %d", got)
	}
	if got := atomic.LoadInt32(&registrar.calls); got != 1 {
		t.Fatalf("expected 1 registration call, got %d", got)
	}
}

func TestDoNeverChainsRetries(t *testing.T) {
	srv, calls := scriptedServer(t, []int{http.StatusNotFound, http.StatusNotFound}, "")
	registrar := &fakeRegistrar{}
	exec := New(srv.Client(), registrar, time.Millisecond)

	_, err := exec.Do(context.Background(), srv.URL, map[string]string{"prompt": "x"}, "")
	if xerrors.CodeOf(err) != xerrors.CodeNotRegistered {
		t.Fatalf("expected not-registered failure, got %v", err)
	}
	// 404 后恰好一次重试，第二个 404 之后绝不再发第三次请求。
	if got := atomic.LoadInt32(calls); got != 2 {
		t.Fatalf("expected exactly 2 upstream calls, got %d", got)
	}
	if got := atomic.LoadInt32(&registrar.calls); got != 1 {
		t.Fatalf("expected exactly 1 registration call, got %d", got)
	}
}

func TestDoSurfacesBodyErrorField(t *testing.T) {
	srv, _ := scriptedServer(t, []int{http.StatusBadGateway}, `{"error":"model backend offline"}`)
	exec := New(srv.Client(), nil, time.Millisecond)

	_, err := exec.Do(context.Background(), srv.URL, map[string]string{"text": "x"}, "")
	if err == nil || !strings.Contains(err.Error(), "model backend offline") {
		t.Fatalf("expected body error message, got %v", err)
	}
}

func TestDoFallsBackToStatusMessage(t *testing.T) {
	srv, _ := scriptedServer(t, []int{http.StatusInternalServerError}, "not json")
	exec := New(srv.Client(), nil, time.Millisecond)

	_, err := exec.Do(context.Background(), srv.URL, map[string]string{"text": "x"}, "")
	if err == nil || !strings.Contains(err.Error(), "500") {
		t.Fatalf("expected status-coded message, got %v", err)
	}
}

func TestDoSetsOwnerHeader(t *testing.T) {
	var gotOwner atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOwner.Store(r.Header.Get(OwnerHeader))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	exec := New(srv.Client(), nil, time.Millisecond)
	resp, err := exec.Do(context.Background(), srv.URL, map[string]string{"message": "hi"}, "0xOwner")
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if gotOwner.Load() != "0xOwner" {
		t.Fatalf("expected owner header, got %v", gotOwner.Load())
	}
}

func TestThreadIDStablePerOwnerAndEndpoint(t *testing.T) {
	exec := New(nil, nil, time.Millisecond)

	first := exec.ThreadID("0xOwner", "https://mesh/agents/alpha")
	if first == "" {
		t.Fatal("thread id must not be empty")
	}
	if second := exec.ThreadID("0xowner", "https://mesh/agents/alpha"); second != first {
		t.Fatalf("thread id must be stable: %s vs %s", first, second)
	}
	if other := exec.ThreadID("0xowner", "https://mesh/agents/beta"); other == first {
		t.Fatal("different endpoints must not share a thread")
	}

	exec.ResetThread("0xowner", "https://mesh/agents/alpha")
	if renewed := exec.ThreadID("0xowner", "https://mesh/agents/alpha"); renewed == first {
		t.Fatal("reset must start a new thread")
	}
}
