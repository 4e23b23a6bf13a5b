package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/slidescan/pkg/eventbus"
)

// EventStreamConnected is the first event of every stream.
const EventStreamConnected = "stream-connected"

// Events streams job-status-changed events as newline-delimited JSON until
// the client disconnects. With ?snapshot=true the current state of every
// known job is sent first.
func (a *API) Events(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	// The stream outlives the server's write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	sub := a.deps.Events.Subscribe()
	defer a.deps.Events.Unsubscribe(sub)

	h := w.Header()
	h.Set("Content-Type", "application/x-ndjson")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	send := func(e eventbus.Event) bool {
		if err := enc.Encode(e); err != nil {
			return false
		}
		return rc.Flush() == nil
	}

	if !send(eventbus.Event{Name: EventStreamConnected, Timestamp: time.Now().UTC()}) {
		return
	}
	if r.URL.Query().Get("snapshot") == "true" {
		for _, rec := range a.deps.Store.List() {
			if !send(eventbus.FromRecord(rec)) {
				return
			}
		}
	}

	a.logger.Debug("Event stream opened", zap.String("remote", r.RemoteAddr))
	defer func() {
		a.logger.Debug("Event stream closed",
			zap.String("remote", r.RemoteAddr),
			zap.Int64("dropped", sub.Dropped()))
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if !send(e) {
				return
			}
		}
	}
}
