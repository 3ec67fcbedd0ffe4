package control

import "HTTPCaptureBox/src/capture"

// Event types pushed to live clients.
const (
	EventExchange = "exchange"
	EventCleared  = "cleared"
	EventSession  = "session"
)

// Event is one live-feed message.
type Event struct {
	Type    string           `json:"type"`
	ID      int64            `json:"id,omitempty"`
	Summary *capture.Summary `json:"summary,omitempty"`
	Status  *Status          `json:"status,omitempty"`
}

// ExchangeEvent announces a finalized exchange.
func ExchangeEvent(e capture.Exchange) Event {
	sum := e.Summarize()
	return Event{Type: EventExchange, ID: e.ID, Summary: &sum}
}
