package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// broker fans project events out to SSE subscribers. Slow subscribers
// drop events rather than block the publisher; the frontend treats the
// stream as a poke to refetch, not as the data itself.
type broker struct {
	mu   sync.Mutex
	subs map[string]map[chan string]struct{}
}

func newBroker() *broker {
	return &broker{subs: map[string]map[chan string]struct{}{}}
}

func (b *broker) subscribe(projectID string) chan string {
	ch := make(chan string, 8)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[projectID] == nil {
		b.subs[projectID] = map[chan string]struct{}{}
	}
	b.subs[projectID][ch] = struct{}{}
	return ch
}

func (b *broker) unsubscribe(projectID string, ch chan string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[projectID], ch)
	if len(b.subs[projectID]) == 0 {
		delete(b.subs, projectID)
	}
}

func (b *broker) publish(projectID, payload string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[projectID] {
		select {
		case ch <- payload:
		default:
		}
	}
}

// publish sends an event to every SSE subscriber of the project.
func (s *Server) publish(projectID string, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("marshal event", "project", projectID, "error", err)
		return
	}
	s.broker.publish(projectID, string(payload))
}

// handleProjectEvents streams project events as SSE. A heartbeat comment
// goes out whenever the stream has been idle for the heartbeat interval,
// keeping proxies from timing the connection out.
func (s *Server) handleProjectEvents(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broker.subscribe(p.ID)
	defer s.broker.unsubscribe(p.ID, ch)

	timer := time.NewTimer(s.heartbeat)
	defer timer.Stop()

	for {
		select {
		case payload := <-ch:
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		case <-timer.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		case <-s.closing:
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.heartbeat)
	}
}
