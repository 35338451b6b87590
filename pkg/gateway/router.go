package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// idempotencyTTL is how long a response is replayed for a repeated key.
const idempotencyTTL = 5 * time.Minute

// RPCRouter maps method names to handlers. Requests carrying an
// idempotency key run once per method and key: repeats get the stored
// response, and repeats arriving while the first is running wait for it.
type RPCRouter struct {
	mu      sync.RWMutex
	methods map[string]RequestHandler

	idemMu  sync.Mutex
	replies map[string]*idempotentCall
	now     func() time.Time
}

type idempotentCall struct {
	done      chan struct{}
	response  RPCResponse
	expiresAt time.Time
}

// NewRPCRouter creates an empty router
func NewRPCRouter() *RPCRouter {
	return &RPCRouter{
		methods: make(map[string]RequestHandler),
		replies: make(map[string]*idempotentCall),
		now:     time.Now,
	}
}

// RegisterMethod registers or replaces the handler of name
func (r *RPCRouter) RegisterMethod(name string, handler RequestHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[name] = handler
	return nil
}

// UnregisterMethod removes the handler of name
func (r *RPCRouter) UnregisterMethod(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.methods, name)
}

// HasMethod reports whether name has a handler
func (r *RPCRouter) HasMethod(name string) bool {
	return r.handler(name) != nil
}

// GetMethods returns all registered method names, sorted
func (r *RPCRouter) GetMethods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	methods := make([]string, 0, len(r.methods))
	for name := range r.methods {
		methods = append(methods, name)
	}
	sort.Strings(methods)
	return methods
}

func (r *RPCRouter) handler(name string) RequestHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.methods[name]
}

// ParseRequest decodes and validates a JSON-RPC request
func (r *RPCRouter) ParseRequest(data []byte) (*RPCRequest, error) {
	var req RPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &RPCError{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}
	switch {
	case req.ID == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing id field"}
	case req.Method == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing method field"}
	}
	if req.JSONRPC == "" {
		req.JSONRPC = "2.0"
	}
	return &req, nil
}

// RouteRequest runs the handler of req.Method and wraps its outcome.
func (r *RPCRouter) RouteRequest(ctx context.Context, req *RPCRequest) *RPCResponse {
	if req == nil {
		return failure("", &RPCError{Code: InvalidRequest, Message: "invalid request"})
	}
	if req.IdempotencyKey == "" {
		return r.dispatch(ctx, req)
	}

	key := req.Method + ":" + req.IdempotencyKey
	call, leader := r.claim(key)
	if !leader {
		select {
		case <-call.done:
		case <-ctx.Done():
			return failure(req.ID, &RPCError{Code: InternalError, Message: ctx.Err().Error()})
		}
		if call.response.Error == nil {
			resp := call.response
			resp.ID = req.ID
			return &resp
		}
		// the first attempt failed and was forgotten; run again
		return r.RouteRequest(ctx, req)
	}

	resp := r.dispatch(ctx, req)
	r.settle(key, call, *resp)
	return resp
}

func (r *RPCRouter) dispatch(ctx context.Context, req *RPCRequest) *RPCResponse {
	handler := r.handler(req.Method)
	if handler == nil {
		return failure(req.ID, &RPCError{Code: MethodNotFound, Message: fmt.Sprintf("Method not found: %s", req.Method)})
	}

	result, err := handler(ctx, req.Params)
	if err != nil {
		var typed *RPCError
		if !errors.As(err, &typed) {
			typed = &RPCError{Code: InternalError, Message: err.Error()}
		}
		return failure(req.ID, typed)
	}
	return &RPCResponse{ID: req.ID, JSONRPC: "2.0", Result: result}
}

// claim returns the call registered for key. leader is true when the
// caller created it and must settle it.
func (r *RPCRouter) claim(key string) (call *idempotentCall, leader bool) {
	r.idemMu.Lock()
	defer r.idemMu.Unlock()

	now := r.now()
	for k, c := range r.replies {
		if !c.expiresAt.IsZero() && now.After(c.expiresAt) {
			delete(r.replies, k)
		}
	}

	if c, ok := r.replies[key]; ok {
		return c, false
	}
	c := &idempotentCall{done: make(chan struct{})}
	r.replies[key] = c
	return c, true
}

// settle publishes resp to waiters. Failures are not kept so the client
// can retry with the same key.
func (r *RPCRouter) settle(key string, call *idempotentCall, resp RPCResponse) {
	r.idemMu.Lock()
	defer r.idemMu.Unlock()

	if resp.Error != nil {
		errCopy := *resp.Error
		resp.Error = &errCopy
		delete(r.replies, key)
	} else {
		call.expiresAt = r.now().Add(idempotencyTTL)
	}
	call.response = resp
	close(call.done)
}

func failure(id string, err *RPCError) *RPCResponse {
	return &RPCResponse{ID: id, JSONRPC: "2.0", Error: err}
}

// invalidParams reports a bad or missing RPC parameter.
func invalidParams(format string, args ...interface{}) error {
	return &RPCError{Code: InvalidParams, Message: fmt.Sprintf(format, args...)}
}
