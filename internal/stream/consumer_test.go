package stream

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"strings"
	"testing"

	xerrors "AgentPay-Chain/internal/errors"
)

// manualScheduler 手动驱动的调度器，测试中模拟帧边界。
type manualScheduler struct {
	pending   func()
	cancelled int
}

func (m *manualScheduler) Schedule(fn func()) { m.pending = fn }

func (m *manualScheduler) Cancel() {
	m.cancelled++
	m.pending = nil
}

func (m *manualScheduler) Flush() {
	if m.pending != nil {
		fn := m.pending
		m.pending = nil
		fn()
	}
}

// Tick 模拟一帧到达。
func (m *manualScheduler) Tick() { m.Flush() }

// chunkReader 按预设分块逐次返回数据。
type chunkReader struct {
	chunks []string
	index  int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.index >= len(r.chunks) {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[r.index])
	r.index++
	return n, nil
}

func textResponse(chunks ...string) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/event-stream"}},
		Body:       io.NopCloser(&chunkReader{chunks: chunks}),
	}
}

func jsonResponse(body string) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestConsumeTextAccumulatesAcrossFrames(t *testing.T) {
	sched := &manualScheduler{}
	consumer := NewConsumer(func() Scheduler { return sched }, nil)

	var increments []string
	var final Result
	result, err := consumer.Consume(context.Background(), textResponse("Hel", "lo, ", "world"),
		func(text string) { increments = append(increments, text) },
		func(r Result) { final = r },
	)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if result.Text != "Hello, world" {
		t.Fatalf("expected full text, got %q", result.Text)
	}
	if final.Text != "Hello, world" {
		t.Fatalf("onFinal got %q", final.Text)
	}
	// 最终一次同步增量必然携带完整文本。
	if len(increments) == 0 || increments[len(increments)-1] != "Hello, world" {
		t.Fatalf("last increment must carry full text: %v", increments)
	}
}

func TestConsumeTextCoalescesChunksBetweenFrames(t *testing.T) {
	sched := &manualScheduler{}
	consumer := NewConsumer(func() Scheduler { return sched }, nil)

	var increments []string
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       io.NopCloser(&chunkReader{chunks: []string{"a", "b", "c"}}),
	}
	// 三块在同一"帧"内到达：挂起回调被逐次替换，最终只有一次合并快照
	// 加上收尾的同步交付。
	if _, err := consumer.Consume(context.Background(), resp,
		func(text string) { increments = append(increments, text) }, nil); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(increments) != 1 || increments[0] != "abc" {
		t.Fatalf("expected single final increment \"abc\", got %v", increments)
	}
	if sched.cancelled == 0 {
		t.Fatal("pending frame callback must be cancelled before final delivery")
	}
}

func TestConsumeEmptyStreamIsValid(t *testing.T) {
	consumer := NewConsumer(func() Scheduler { return &manualScheduler{} }, nil)

	finalCalled := false
	result, err := consumer.Consume(context.Background(), textResponse(),
		nil,
		func(r Result) {
			finalCalled = true
			if r.Text != "" {
				t.Fatalf("expected empty final text, got %q", r.Text)
			}
		},
	)
	if err != nil {
		t.Fatalf("empty stream must not fail: %v", err)
	}
	if !finalCalled {
		t.Fatal("onFinal must fire for an empty stream")
	}
	if result.Text != "" {
		t.Fatalf("expected empty result, got %q", result.Text)
	}
}

func TestConsumeBinaryMedia(t *testing.T) {
	consumer := NewConsumer(func() Scheduler { return &manualScheduler{} }, nil)

	payload := []byte{0x89, 0x50, 0x4e, 0x47}
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"image/png"}},
		Body:       io.NopCloser(strings.NewReader(string(payload))),
	}
	result, err := consumer.Consume(context.Background(), resp, nil, nil)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if result.MediaKind != "image" {
		t.Fatalf("expected image kind, got %q", result.MediaKind)
	}
	wantURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(payload)
	if result.MediaURL != wantURL {
		t.Fatalf("unexpected media url: %s", result.MediaURL)
	}
}

func TestConsumeStructuredMedia(t *testing.T) {
	consumer := NewConsumer(func() Scheduler { return &manualScheduler{} }, nil)

	encoded := base64.StdEncoding.EncodeToString([]byte("fake-audio-bytes"))
	resp := jsonResponse(`{"success":true,"data":"` + encoded + `","type":"audio","mimeType":"audio/mpeg"}`)
	result, err := consumer.Consume(context.Background(), resp, nil, nil)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if result.Kind != KindStructuredMedia || result.MediaKind != "audio" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if !strings.HasPrefix(result.MediaURL, "data:audio/mpeg;base64,") {
		t.Fatalf("unexpected media url: %s", result.MediaURL)
	}
}

func TestConsumeStructuredFailureRaisesError(t *testing.T) {
	consumer := NewConsumer(func() Scheduler { return &manualScheduler{} }, nil)

	resp := jsonResponse(`{"success":false,"data":"aGk=","mimeType":"image/png","error":"generation failed"}`)
	_, err := consumer.Consume(context.Background(), resp, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "generation failed") {
		t.Fatalf("expected upstream failure message, got %v", err)
	}
}

func TestConsumePlainJSONKeyPriority(t *testing.T) {
	consumer := NewConsumer(func() Scheduler { return &manualScheduler{} }, nil)

	cases := []struct {
		body string
		want string
	}{
		{`{"response":"first","text":"second"}`, "first"},
		{`{"output":"from output"}`, "from output"},
		{`{"unrelated":42}`, `{"unrelated":42}`},
	}
	for _, tc := range cases {
		result, err := consumer.Consume(context.Background(), jsonResponse(tc.body), nil, nil)
		if err != nil {
			t.Fatalf("consume %s: %v", tc.body, err)
		}
		if result.Text != tc.want {
			t.Fatalf("body %s: got %q want %q", tc.body, result.Text, tc.want)
		}
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestConsumeReadFailure(t *testing.T) {
	consumer := NewConsumer(func() Scheduler { return &manualScheduler{} }, nil)

	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       io.NopCloser(failingReader{}),
	}
	_, err := consumer.Consume(context.Background(), resp, nil, nil)
	if xerrors.CodeOf(err) != xerrors.CodeStreamReadFailed {
		t.Fatalf("expected stream read failure, got %v", err)
	}
}

func TestFrameSchedulerCoalesces(t *testing.T) {
	sched := NewFrameScheduler(DefaultFrameInterval)
	done := make(chan string, 4)
	sched.Schedule(func() { done <- "first" })
	sched.Schedule(func() { done <- "second" })
	sched.Flush()

	select {
	case got := <-done:
		if got != "second" {
			t.Fatalf("later schedule must replace earlier one, got %q", got)
		}
	default:
		t.Fatal("flush must run the pending callback synchronously")
	}
	select {
	case extra := <-done:
		t.Fatalf("only one callback may fire per tick, got extra %q", extra)
	default:
	}
}
