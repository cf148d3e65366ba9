// Package handoff implements the Stage A→B NATS handoff: transcribe
// publishes one loomcast.episode.transcribed message per VTT file it
// emits; seed --consume subscribes and drives the seeding executor,
// running a failing message's handler up to MaxRetries times in total
// before routing it to the DLQ subject. Grounded on
// engine/ingest.StartConsumer's retry-then-DLQ idiom; publishing goes
// through pkg/natsutil.Publish, consuming through a raw nc.Subscribe.
package handoff

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/loomcast/loomcast/pkg/natsutil"
	"github.com/nats-io/nats.go"
)

const (
	// EpisodeTranscribedSubject carries one message per VTT file C8 emits.
	EpisodeTranscribedSubject = "loomcast.episode.transcribed"
	// DLQSubject receives events whose handler failed MaxRetries times.
	DLQSubject = "loomcast.seed.dlq"
	// MaxRetries before a failed event is routed to the DLQ.
	MaxRetries = 3

	retryHeader = "X-Retry-Count"
)

// EpisodeTranscribed is the handoff payload: enough to locate the VTT file
// cmd/seed needs to read. Episode/podcast identity lives in the VTT's own
// NOTE header (see cmd/seed/header.go), not duplicated here.
type EpisodeTranscribed struct {
	GUID    string `json:"guid"`
	VTTPath string `json:"vtt_path"`
}

// Publisher publishes the Stage A→B handoff event over NATS.
type Publisher struct {
	nc *nats.Conn
}

// NewPublisher wraps an existing NATS connection. Satisfies
// internal/transcribe.Publisher.
func NewPublisher(nc *nats.Conn) *Publisher {
	return &Publisher{nc: nc}
}

func (p *Publisher) PublishEpisodeTranscribed(ctx context.Context, guid, vttPath string) error {
	return natsutil.Publish(ctx, p.nc, EpisodeTranscribedSubject, EpisodeTranscribed{GUID: guid, VTTPath: vttPath})
}

type dlqMessage struct {
	Event   EpisodeTranscribed `json:"event"`
	Error   string             `json:"error"`
	Retries int                `json:"retries"`
}

// Handler seeds one episode from its handoff event. A returned error
// triggers the retry-then-DLQ cycle.
type Handler func(ctx context.Context, event EpisodeTranscribed) error

// Consume subscribes to EpisodeTranscribedSubject and runs handler for
// each message.
func Consume(nc *nats.Conn, handler Handler, log *slog.Logger) (*nats.Subscription, error) {
	if log == nil {
		log = slog.Default()
	}

	return nc.Subscribe(EpisodeTranscribedSubject, func(msg *nats.Msg) {
		var event EpisodeTranscribed
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Error("handoff: unmarshal failed", "error", err)
			return
		}

		retries := 0
		if msg.Header != nil {
			if v := msg.Header.Get(retryHeader); v != "" {
				fmt.Sscanf(v, "%d", &retries)
			}
		}

		if err := handler(context.Background(), event); err != nil {
			retries++
			log.Error("handoff: seeding failed", "guid", event.GUID, "error", err, "retry", retries)

			if retries >= MaxRetries {
				dlq := dlqMessage{Event: event, Error: err.Error(), Retries: retries}
				data, _ := json.Marshal(dlq)
				if perr := nc.Publish(DLQSubject, data); perr != nil {
					log.Error("handoff: DLQ publish failed", "error", perr)
				}
			} else {
				retryMsg := nats.NewMsg(EpisodeTranscribedSubject)
				retryMsg.Data = msg.Data
				retryMsg.Header = nats.Header{}
				retryMsg.Header.Set(retryHeader, fmt.Sprintf("%d", retries))
				if perr := nc.PublishMsg(retryMsg); perr != nil {
					log.Error("handoff: retry publish failed", "error", perr)
				}
			}
		} else {
			log.Info("handoff: seeded from handoff event", "guid", event.GUID)
		}

		if msg.Reply != "" {
			_ = msg.Ack()
		}
	})
}
