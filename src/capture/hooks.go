package capture

import (
	"net/http"
	"sync"
)

// Hooks is the contract the MITM engine drives, once per exchange, in this order:
// OnConnectionStart, OnRequestHeaders, OnRequestChunk*, OnResponseHeaders,
// OnResponseChunk*, OnExchangeEnd. OnError may arrive at any point before the end.
// Implementations must not retain or modify chunk slices beyond the call.
type Hooks interface {
	OnConnectionStart(ctx *ConnCtx)
	OnRequestHeaders(ctx *ConnCtx, method, rawURL string, headers http.Header)
	OnRequestChunk(ctx *ConnCtx, b []byte)
	OnResponseHeaders(ctx *ConnCtx, status int, headers http.Header)
	OnResponseChunk(ctx *ConnCtx, b []byte)
	OnExchangeEnd(ctx *ConnCtx)
	OnError(ctx *ConnCtx, err error, stage string)
}

// Error stages reported through Hooks.OnError.
const (
	StageConnect  = "connect"
	StageRequest  = "request"
	StageUpstream = "upstream"
	StageResponse = "response"
)

// ConnCtx is the per-exchange handle shared between the engine and the hooks.
// It carries only the negotiated host and scheme plus one attachable value.
type ConnCtx struct {
	Host   string
	Scheme string

	mu    sync.Mutex
	state any
}

// NewConnCtx returns a context for a connection to host over scheme.
func NewConnCtx(host, scheme string) *ConnCtx {
	return &ConnCtx{Host: host, Scheme: scheme}
}

// Attach stores per-exchange state, replacing any previous value.
func (c *ConnCtx) Attach(v any) {
	c.mu.Lock()
	c.state = v
	c.mu.Unlock()
}

// State returns whatever was attached.
func (c *ConnCtx) State() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
