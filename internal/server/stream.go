package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"storyline/internal/engine"
	"storyline/internal/watch"
)

const streamBuffer = 32

var (
	errStreamClosed = errors.New("stream closed")
	errSlowConsumer = errors.New("stream consumer too slow")
)

// streamChannel buffers hub pushes for one HTTP client. Send never blocks the
// hub; a full buffer drops the client.
type streamChannel struct {
	events chan watch.Event
	done   chan struct{}
}

func newStreamChannel() *streamChannel {
	return &streamChannel{
		events: make(chan watch.Event, streamBuffer),
		done:   make(chan struct{}),
	}
}

func (c *streamChannel) Send(ev watch.Event) error {
	select {
	case <-c.done:
		return errStreamClosed
	default:
	}
	select {
	case c.events <- ev:
		return nil
	default:
		return errSlowConsumer
	}
}

func writeSSE(w http.ResponseWriter, ev watch.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

func registerStream(r chi.Router, basePath string, e engine.Engine, hub *watch.Hub) {
	r.Get(path.Join(basePath, "projects/{project_id}/stream"), func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()
		projectID := chi.URLParam(req, "project_id")
		if hub == nil {
			respondStatusError(w, newAPIError(http.StatusServiceUnavailable, "watch_disabled", "change watching is not enabled", nil))
			return
		}
		if _, err := e.Project(ctx, projectID); err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "streaming unsupported", nil))
			return
		}

		ch := newStreamChannel()
		defer close(ch.done)
		handle, err := hub.Subscribe(ctx, projectID, ch)
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusServiceUnavailable, "unavailable", err.Error(), nil))
			return
		}
		defer hub.Unsubscribe(handle)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		log.Debug().Str("project_id", projectID).Str("handle", handle).Msg("stream opened")

		for {
			select {
			case <-ctx.Done():
				log.Debug().Str("project_id", projectID).Str("handle", handle).Msg("stream closed")
				return
			case ev := <-ch.events:
				if err := writeSSE(w, ev); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	})
}
