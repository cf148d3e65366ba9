package handoff

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

func startTestNATS(t *testing.T) *nats.Conn {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	if err != nil {
		t.Fatal(err)
	}
	srv.Start()
	if !srv.ReadyForConnections(3 * time.Second) {
		t.Fatal("nats not ready")
	}
	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		nc.Close()
		srv.Shutdown()
	})
	return nc
}

func TestPublishEpisodeTranscribed_DeliversEvent(t *testing.T) {
	nc := startTestNATS(t)
	ch := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe(EpisodeTranscribedSubject, ch)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	pub := NewPublisher(nc)
	if err := pub.PublishEpisodeTranscribed(context.Background(), "guid-1", "/tmp/ep1.vtt"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-ch:
		var event EpisodeTranscribed
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if event.GUID != "guid-1" || event.VTTPath != "/tmp/ep1.vtt" {
			t.Errorf("unexpected event: %+v", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestConsume_SuccessfulHandlerAcksWithoutRetry(t *testing.T) {
	nc := startTestNATS(t)

	var calls int32
	done := make(chan struct{}, 1)
	handler := func(ctx context.Context, event EpisodeTranscribed) error {
		atomic.AddInt32(&calls, 1)
		done <- struct{}{}
		return nil
	}

	sub, err := Consume(nc, handler, slog.Default())
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	defer sub.Unsubscribe()

	pub := NewPublisher(nc)
	if err := pub.PublishEpisodeTranscribed(context.Background(), "guid-ok", "/tmp/ok.vtt"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("handler called %d times, want 1", calls)
	}
}

func TestConsume_FailureRoutesToDLQAfterMaxRetries(t *testing.T) {
	nc := startTestNATS(t)

	dlqCh := make(chan *nats.Msg, 1)
	dlqSub, err := nc.ChanSubscribe(DLQSubject, dlqCh)
	if err != nil {
		t.Fatal(err)
	}
	defer dlqSub.Unsubscribe()

	handler := func(ctx context.Context, event EpisodeTranscribed) error {
		return assertAlwaysFails{}
	}

	sub, err := Consume(nc, handler, slog.Default())
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	defer sub.Unsubscribe()

	pub := NewPublisher(nc)
	if err := pub.PublishEpisodeTranscribed(context.Background(), "guid-bad", "/tmp/bad.vtt"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-dlqCh:
		var dlq dlqMessage
		if err := json.Unmarshal(msg.Data, &dlq); err != nil {
			t.Fatalf("unmarshal dlq: %v", err)
		}
		if dlq.Event.GUID != "guid-bad" {
			t.Errorf("dlq event guid = %q, want guid-bad", dlq.Event.GUID)
		}
		if dlq.Retries < MaxRetries {
			t.Errorf("dlq retries = %d, want >= %d", dlq.Retries, MaxRetries)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for DLQ message")
	}
}

type assertAlwaysFails struct{}

func (assertAlwaysFails) Error() string { return "always fails" }
