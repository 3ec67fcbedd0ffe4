package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"HTTPCaptureBox/src/control"
)

// eventBroker fans live events out to SSE and websocket clients.
type eventBroker struct {
	sync.Mutex
	clients map[chan control.Event]struct{}
	buffer  int
}

func newEventBroker() *eventBroker {
	return &eventBroker{
		clients: make(map[chan control.Event]struct{}),
		buffer:  64,
	}
}

func (b *eventBroker) addClient() chan control.Event {
	ch := make(chan control.Event, b.buffer)
	b.Lock()
	b.clients[ch] = struct{}{}
	b.Unlock()
	return ch
}

func (b *eventBroker) removeClient(ch chan control.Event) {
	b.Lock()
	if _, ok := b.clients[ch]; ok {
		delete(b.clients, ch)
		close(ch)
	}
	b.Unlock()
}

// closeAll disconnects every client so streaming handlers return.
func (b *eventBroker) closeAll() {
	b.Lock()
	for ch := range b.clients {
		delete(b.clients, ch)
		close(ch)
	}
	b.Unlock()
}

func (b *eventBroker) clientCount() int {
	b.Lock()
	defer b.Unlock()
	return len(b.clients)
}

// publish never blocks: a client whose buffer is full misses the event.
func (b *eventBroker) publish(ev control.Event) {
	b.Lock()
	for ch := range b.clients {
		select {
		case ch <- ev:
		default:
		}
	}
	b.Unlock()
}

// serveSSE streams events as text/event-stream until the client goes away.
func (b *eventBroker) serveSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming unsupported", nil)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := b.addClient()
	defer b.removeClient(ch)

	fmt.Fprintf(w, ": ok\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, _ := json.Marshal(ev)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}
