package meter

import (
	"context"
	"errors"
	"testing"

	"AgentPay-Chain/internal/stream"
)

type fakeRecorder struct {
	recorded []int64
	err      error
}

func (f *fakeRecorder) RecordUsage(_ context.Context, amount int64) error {
	if f.err != nil {
		return f.err
	}
	f.recorded = append(f.recorded, amount)
	return nil
}

type capturePublisher struct {
	events []UsageEvent
}

func (c *capturePublisher) Publish(_ context.Context, event UsageEvent) error {
	c.events = append(c.events, event)
	return nil
}

func (c *capturePublisher) Close() error { return nil }

func TestEstimateByContentKind(t *testing.T) {
	m := New(&fakeRecorder{}, nil, CostTable{
		PerTextRune: 10,
		ImageFlat:   5000,
		AudioFlat:   4000,
		VideoFlat:   9000,
		MinCharge:   100,
	})

	cases := []struct {
		name   string
		result stream.Result
		want   int64
	}{
		{"text", stream.Result{Kind: stream.KindTextStream, Text: "hello world!"}, 120},
		{"short text hits minimum", stream.Result{Kind: stream.KindTextStream, Text: "hi"}, 100},
		{"empty text hits minimum", stream.Result{Kind: stream.KindTextStream}, 100},
		{"image", stream.Result{Kind: stream.KindBinaryMedia, MediaKind: "image"}, 5000},
		{"audio", stream.Result{Kind: stream.KindStructuredMedia, MediaKind: "audio"}, 4000},
		{"video", stream.Result{Kind: stream.KindStructuredMedia, MediaKind: "video"}, 9000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := m.Estimate(tc.result); got != tc.want {
				t.Fatalf("estimate: got %d want %d", got, tc.want)
			}
		})
	}
}

func TestRecordForwardsAndPublishes(t *testing.T) {
	recorder := &fakeRecorder{}
	publisher := &capturePublisher{}
	m := New(recorder, publisher, CostTable{PerTextRune: 1, MinCharge: 1})

	amount, err := m.Record(context.Background(), Call{Owner: "0xowner", Endpoint: "https://mesh/agents/alpha"},
		stream.Result{Kind: stream.KindTextStream, Text: "four"})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if amount != 4 {
		t.Fatalf("expected amount 4, got %d", amount)
	}
	if len(recorder.recorded) != 1 || recorder.recorded[0] != 4 {
		t.Fatalf("recorder not invoked correctly: %v", recorder.recorded)
	}
	if len(publisher.events) != 1 || publisher.events[0].Amount != 4 {
		t.Fatalf("publisher not invoked correctly: %+v", publisher.events)
	}
	if publisher.events[0].Owner != "0xowner" {
		t.Fatalf("event owner mismatch: %+v", publisher.events[0])
	}
}

func TestRecordFailureDoesNotPublish(t *testing.T) {
	publisher := &capturePublisher{}
	m := New(&fakeRecorder{err: errors.New("storage down")}, publisher, CostTable{PerTextRune: 1, MinCharge: 1})

	if _, err := m.Record(context.Background(), Call{}, stream.Result{Text: "x"}); err == nil {
		t.Fatal("expected recorder error to surface")
	}
	if len(publisher.events) != 0 {
		t.Fatal("failed usage recording must not publish events")
	}
}
