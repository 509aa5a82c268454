package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/guseggert/mcpbridge/internal/tools"
	"github.com/guseggert/mcpbridge/process"
	"github.com/guseggert/mcpbridge/rpc"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Bridge is the subset of *bridge.Bridge the server drives.
type Bridge interface {
	StartProcess(ctx context.Context) (alreadyRunning bool, err error)
	StopProcess(ctx context.Context) (wasRunning bool, err error)
	State() process.State
	PID() int
	Outstanding() int
	Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
	ListTools(ctx context.Context, timeout time.Duration) (*tools.ListResult, error)
	CallTool(ctx context.Context, name string, args any, timeout time.Duration) (*tools.Result, error)
	SubscribeStderr() (<-chan []byte, func())
}

// Server is the HTTP control surface for a bridge.
type Server struct {
	logger *zap.SugaredLogger
	bridge Bridge

	listenAddr string
	staticDir  string
	now        func() time.Time

	m          sync.Mutex
	httpServer *http.Server
	addr       net.Addr
	closeOnce  sync.Once
	closed     chan struct{}
}

type Option func(s *Server)

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l.Named("control").Sugar()
	}
}

// WithStaticDir serves files from dir for GET requests that match no route.
func WithStaticDir(dir string) Option {
	return func(s *Server) {
		s.staticDir = dir
	}
}

// NewServer constructs a control server for b. Nothing listens until Run or Serve.
func NewServer(b Bridge, opts ...Option) *Server {
	s := &Server{
		logger:     zap.NewNop().Sugar(),
		bridge:     b,
		listenAddr: "127.0.0.1:3000",
		now:        time.Now,
		closed:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the router with every route registered.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/status", s.status)
	router.POST("/start-server", s.startServer)
	router.POST("/stop-server", s.stopServer)
	router.POST("/call", s.call)
	router.GET("/tools", s.listTools)
	router.POST("/weather", s.weather)
	router.POST("/calculate", s.calculate)
	router.POST("/time", s.currentTime)
	router.GET("/health", s.health)
	router.GET("/stderr", s.stderrWS)
	if s.staticDir != "" {
		router.NotFound = http.FileServer(http.Dir(s.staticDir))
	}
	return router
}

// Run listens on the configured address and serves until Stop is called.
func (s *Server) Run() error {
	l, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	return s.Serve(l)
}

// Serve serves on l until Stop is called. It returns nil after a clean stop.
func (s *Server) Serve(l net.Listener) error {
	s.m.Lock()
	select {
	case <-s.closed:
		s.m.Unlock()
		l.Close()
		return nil
	default:
	}
	server := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.httpServer = server
	s.addr = l.Addr()
	s.m.Unlock()

	s.logger.Infow("serving", "Addr", l.Addr().String())
	err := server.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr returns the address being served on, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.m.Lock()
	defer s.m.Unlock()
	return s.addr
}

// Stop ends open streams and shuts the HTTP server down, waiting for in-flight requests until ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closed) })
	s.m.Lock()
	server := s.httpServer
	s.m.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

type StatusResponse struct {
	Running     bool          `json:"running"`
	State       process.State `json:"state"`
	PID         int           `json:"pid,omitempty"`
	Outstanding int           `json:"outstanding"`
	Message     string        `json:"message"`
}

type StartResponse struct {
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	AlreadyRunning bool   `json:"alreadyRunning"`
}

type StopResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	WasRunning bool   `json:"wasRunning"`
}

type CallRequest struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMS int             `json:"timeoutMs,omitempty"`
}

type CallResponse struct {
	Result json.RawMessage `json:"result"`
}

type ToolResponse struct {
	Result string `json:"result"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code,omitempty"`
}

// StderrEvent is one chunk of child stderr sent over the /stderr WebSocket.
type StderrEvent struct {
	Text string `json:"text"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	state := s.bridge.State()
	resp := StatusResponse{
		Running:     state == process.StateRunning,
		State:       state,
		PID:         s.bridge.PID(),
		Outstanding: s.bridge.Outstanding(),
		Message:     "Server is not running",
	}
	switch state {
	case process.StateRunning:
		resp.Message = "Server is running"
	case process.StateStopping:
		resp.Message = "Server is stopping"
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) startServer(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	alreadyRunning, err := s.bridge.StartProcess(r.Context())
	if err != nil {
		s.logger.Debugf("error starting process: %s", err)
		s.writeJSON(w, statusFor(err), StartResponse{Message: err.Error()})
		return
	}
	resp := StartResponse{Success: true, Message: "MCP server started successfully", AlreadyRunning: alreadyRunning}
	if alreadyRunning {
		resp.Message = "Server already running"
	} else {
		s.logger.Infow("started child process", "PID", s.bridge.PID())
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) stopServer(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	wasRunning, err := s.bridge.StopProcess(r.Context())
	if err != nil {
		s.logger.Debugf("error stopping process: %s", err)
		s.writeJSON(w, statusFor(err), StopResponse{Message: err.Error()})
		return
	}
	resp := StopResponse{Success: true, Message: "MCP server stopped", WasRunning: wasRunning}
	if !wasRunning {
		resp.Message = "Server not running"
	} else {
		s.logger.Info("stopped child process")
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) call(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req CallRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Method == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("method is required"))
		return
	}
	if req.TimeoutMS < 0 {
		s.writeError(w, http.StatusBadRequest, errors.New("timeoutMs must not be negative"))
		return
	}
	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	res, err := s.bridge.Call(r.Context(), req.Method, req.Params, timeout)
	if err != nil {
		s.logger.Debugw("call failed", "Method", req.Method, "Error", err)
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, CallResponse{Result: res})
}

func (s *Server) listTools(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	res, err := s.bridge.ListTools(r.Context(), 0)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) weather(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var args tools.WeatherArgs
	if err := decodeBody(r, &args); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(args.Location) == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("Location is required"))
		return
	}
	s.callTool(w, r, "get_weather", args)
}

func (s *Server) calculate(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var args tools.CalculateArgs
	if err := decodeBody(r, &args); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(args.Expression) == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("Expression is required"))
		return
	}
	s.callTool(w, r, "calculate", args)
}

func (s *Server) currentTime(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var args tools.TimeArgs
	if err := decodeBody(r, &args); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.callTool(w, r, "get_time", args)
}

func (s *Server) callTool(w http.ResponseWriter, r *http.Request, name string, args any) {
	res, err := s.bridge.CallTool(r.Context(), name, args, 0)
	if err != nil {
		s.logger.Debugw("tool call failed", "Tool", name, "Error", err)
		s.writeError(w, statusFor(err), err)
		return
	}
	if res.IsError {
		s.writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: strings.TrimPrefix(res.Text(), "Error: ")})
		return
	}
	s.writeJSON(w, http.StatusOK, ToolResponse{Result: res.Text()})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: s.now().UTC().Format(time.RFC3339Nano),
	})
}

// stderrWS streams the child's stderr to a WebSocket client until either side goes away.
func (s *Server) stderrWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debugf("stderr WebSocket accept error: %s", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	ch, unsubscribe := s.bridge.SubscribeStderr()
	defer unsubscribe()

	// the client never sends anything; CloseRead cancels ctx when it disconnects
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			conn.Close(websocket.StatusGoingAway, "server stopping")
			return
		case chunk, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := wsjson.Write(ctx, conn, StderrEvent{Text: string(chunk)}); err != nil {
				s.logger.Debugf("error writing stderr event: %s", err)
				return
			}
		}
	}
}

func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("decoding request body: %w", err)
	}
	return nil
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	resp := ErrorResponse{Error: err.Error()}
	var remoteErr *rpc.RemoteError
	if errors.As(err, &remoteErr) {
		resp.Error = remoteErr.Message
		resp.Code = remoteErr.Code
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		s.logger.Debugf("error marshaling response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(b); err != nil {
		s.logger.Debugf("error writing response: %s", err)
	}
}
