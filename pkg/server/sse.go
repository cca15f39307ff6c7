package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/conclave/pkg/council"
	"github.com/go-go-golems/conclave/pkg/events"
)

// sseStream writes server-sent events onto an HTTP response, one JSON
// payload per data frame.
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEStream(w http.ResponseWriter) (*sseStream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support streaming")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &sseStream{w: w, flusher: flusher}, nil
}

func (s *sseStream) Send(payload []byte) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return errors.Wrap(err, "could not write event frame")
	}
	s.flusher.Flush()
	return nil
}

func (s *sseStream) SendEvent(ev events.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "could not encode event")
	}
	return s.Send(payload)
}

// streamTurn pumps the turn's event log onto the SSE connection until the
// turn closes or the client goes away. Events the gate rejects are acked
// and dropped; heartbeats keep idle proxies from cutting the connection.
func (s *Server) streamTurn(ctx context.Context, sse *sseStream, at *ActiveTurn, gate *council.StageGate) {
	msgs, err := at.Bus.Subscribe(ctx)
	if err != nil {
		log.Warn().Err(err).Str("turn_id", at.TurnID).Msg("could not subscribe to turn")
		return
	}

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-heartbeat.C:
			hb := events.NewHeartbeatEvent(events.EventMetadata{
				ID:        uuid.New(),
				SessionID: at.SessionID,
				TurnID:    at.TurnID,
			})
			if err := sse.SendEvent(hb); err != nil {
				return
			}

		case msg, ok := <-msgs:
			if !ok {
				return
			}

			ev, err := events.NewEventFromJSON(msg.Payload)
			if err != nil {
				log.Warn().Err(err).Str("turn_id", at.TurnID).Msg("dropping undecodable event")
				msg.Ack()
				continue
			}
			if !gate.Admit(ev) {
				msg.Ack()
				continue
			}

			if err := sse.Send(msg.Payload); err != nil {
				msg.Ack()
				return
			}
			msg.Ack()

			switch ev.Type() {
			case events.EventTypeComplete, events.EventTypeError:
				return
			}
		}
	}
}
