package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/evilpsycho42/hi-boss/internal/adapter"
	"github.com/evilpsycho42/hi-boss/internal/cronmat"
	"github.com/evilpsycho42/hi-boss/internal/executor"
	"github.com/evilpsycho42/hi-boss/internal/metrics"
	"github.com/evilpsycho42/hi-boss/internal/policy"
	"github.com/evilpsycho42/hi-boss/internal/router"
	"github.com/evilpsycho42/hi-boss/internal/store"
)

// ctxKey is an unexported context-key type, avoiding collisions with
// other packages' context values.
type ctxKey int

const identityKey ctxKey = 0

// identityFrom retrieves the Identity that withAuth placed on ctx. A
// bootstrap method that runs before setup completes has no identity;
// callers must treat a missing identity as "boss-equivalent" only for
// the three bootstrap operations themselves.
func identityFrom(ctx context.Context) (policy.Identity, bool) {
	id, ok := ctx.Value(identityKey).(policy.Identity)
	return id, ok
}

// Server dispatches length-framed JSON-RPC 2.0 calls (§6) over a
// Unix-domain stream socket, authenticating every call except the
// three bootstrap methods via the Policy engine (§4.6).
type Server struct {
	store    *store.Store
	policy   *policy.Engine
	router   *router.Router
	executor *executor.Manager
	cron     *cronmat.Materializer
	adapter  *adapter.Bridge
	nudge    func()
	shutdown func()

	version string
	dataDir string
	started time.Time

	listener net.Listener
	wg       sync.WaitGroup
}

// Deps bundles the components the RPC layer dispatches into,
// mirroring the daemon's internal wiring (§2 component table).
type Deps struct {
	Store    *store.Store
	Policy   *policy.Engine
	Router   *router.Router
	Executor *executor.Manager
	Cron     *cronmat.Materializer
	Adapter  *adapter.Bridge
	Nudge    func()
	Shutdown func()
	Version  string
	DataDir  string
}

// New constructs a Server from its dependencies.
func New(d Deps) *Server {
	return &Server{
		store:    d.Store,
		policy:   d.Policy,
		router:   d.Router,
		executor: d.Executor,
		cron:     d.Cron,
		adapter:  d.Adapter,
		nudge:    d.Nudge,
		shutdown: d.Shutdown,
		version:  d.Version,
		dataDir:  d.DataDir,
		started:  time.Now(),
	}
}

// Listen binds the Unix-domain socket at socketPath, removing a
// stale socket file left by an uncleanly-terminated previous process
// (grounded on steveyegge-beads's internal/rpc/transport_unix.go).
func (s *Server) Listen(socketPath string) error {
	if err := removeStaleSocket(socketPath); err != nil {
		return err
	}
	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("rpc: listen on %s: %w", socketPath, err)
	}
	s.listener = l
	return nil
}

func removeStaleSocket(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("rpc: remove stale socket %s: %w", path, err)
	}
	return nil
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed. Each connection is handled on its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("rpc: accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Close closes the listener without waiting for in-flight
// connections; callers that need a clean drain should cancel the
// Serve context instead and let it join s.wg.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	var writeMu sync.Mutex

	for {
		body, err := readFrame(conn)
		if err != nil {
			return // EOF or connection reset: the peer is done.
		}

		resp := s.dispatchFrame(ctx, body)

		out, err := json.Marshal(resp)
		if err != nil {
			slog.Error("rpc: marshal response", "error", err)
			return
		}
		writeMu.Lock()
		err = writeFrame(conn, out)
		writeMu.Unlock()
		if err != nil {
			slog.Error("rpc: write response", "error", err)
			return
		}
	}
}

// dispatchFrame decodes, authenticates, and dispatches one request
// frame, always returning a well-formed Response (never panics the
// connection loop on a malformed frame).
func (s *Server) dispatchFrame(ctx context.Context, body []byte) Response {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return Response{JSONRPC: "2.0", Error: &ErrorObject{Code: codeParseError, Message: "invalid JSON request"}}
	}
	if req.Method == "" {
		return Response{JSONRPC: "2.0", ID: req.ID, Error: &ErrorObject{Code: codeInvalidRequest, Message: "missing method"}}
	}

	start := time.Now()
	result, err := s.dispatch(ctx, req.Method, req.Params)
	duration := time.Since(start)

	code := "ok"
	resp := Response{JSONRPC: "2.0", ID: req.ID}
	if err != nil {
		obj := toErrorObject(err)
		resp.Error = obj
		code = fmt.Sprintf("%d", obj.Code)
	} else {
		resp.Result = result
	}

	metrics.RPCRequestsTotal.WithLabelValues(req.Method, code).Inc()
	metrics.RPCRequestDuration.WithLabelValues(req.Method).Observe(duration.Seconds())
	return resp
}

// dispatch authenticates req.Method (unless it is one of the three
// bootstrap methods) and invokes the registered handler.
func (s *Server) dispatch(ctx context.Context, method string, params json.RawMessage) (any, error) {
	fn, ok := methods[method]
	if !ok {
		return nil, Errorf(KindValidation, "unknown method %q", method)
	}

	if policy.IsBootstrap(method) {
		return fn(ctx, s, params)
	}

	token, err := extractToken(params)
	if err != nil {
		return nil, err
	}
	identity, err := s.policy.Resolve(ctx, token)
	if err != nil {
		return nil, Errorf(KindAuth, "invalid or missing token")
	}
	if !policy.Allow(identity, method) {
		return nil, Errorf(KindPermission, "operation %q requires a higher permission level", method)
	}

	ctx = context.WithValue(ctx, identityKey, identity)
	return fn(ctx, s, params)
}

func extractToken(params json.RawMessage) (string, error) {
	var envelope struct {
		Token string `json:"token"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &envelope); err != nil {
			return "", Errorf(KindValidation, "malformed params: %v", err)
		}
	}
	if envelope.Token == "" {
		return "", Errorf(KindAuth, "missing token")
	}
	return envelope.Token, nil
}

// methodFunc is the signature every §6 RPC method implements. params
// is the raw JSON-RPC "params" object (including "token"); the
// identity injected by dispatch is available via identityFrom(ctx)
// for handlers that need to vary behavior by caller (e.g. agent.self).
type methodFunc func(ctx context.Context, s *Server, params json.RawMessage) (any, error)

// methods is the full §6 method table plus the SUPPLEMENTED FEATURES
// additions, registered by the per-domain files in this package.
var methods = map[string]methodFunc{}

func register(name string, fn methodFunc) {
	if _, exists := methods[name]; exists {
		panic(fmt.Sprintf("rpc: method %q registered twice", name))
	}
	methods[name] = fn
}

func decodeParams[T any](params json.RawMessage) (T, error) {
	var v T
	if len(params) > 0 {
		if err := json.Unmarshal(params, &v); err != nil {
			return v, Errorf(KindValidation, "malformed params: %v", err)
		}
	}
	return v, nil
}
