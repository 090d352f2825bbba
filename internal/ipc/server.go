package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"auradrive/internal/callback"
	"auradrive/internal/config"
	"auradrive/internal/filestore"
	"auradrive/internal/logging"
	"auradrive/internal/metrics"
	"auradrive/internal/security"
)

// Backend is the service surface exposed over the socket. Methods that
// the contract defines as lossy have a detailed variant here so the
// transport can attach a reason to empty or false replies.
type Backend interface {
	ServiceVersion() string
	RegisterCallback(h callback.Handle, cb callback.Callback) bool
	UnregisterCallback(h callback.Handle)
	SubscribeToEvents(h callback.Handle, mask callback.EventMask) bool
	UnsubscribeFromEvents(h callback.Handle, mask callback.EventMask) bool
	ExecuteCommand(ctx context.Context, name string, params map[string]any) string
	ToggleLSPosedModule(ctx context.Context, pkg string, enable bool) string
	GetOracleDriveStatus(ctx context.Context) string
	GetDetailedInternalStatus(ctx context.Context) string
	GetInternalDiagnosticsLog() string
	GetSystemInfo(ctx context.Context) string
	Configure(ctx context.Context, values map[string]any) error
	Import(ctx context.Context, locator string) (string, error)
	Export(ctx context.Context, id, dest string) error
	Verify(ctx context.Context, id string) (bool, error)
}

// ServerConfig configures the IPC server
type ServerConfig struct {
	SocketPath     string
	Mode           os.FileMode
	Version        string
	Codec          Codec
	MaxConnections int
	RateLimit      float64
	RateBurst      int
	RequestTimeout time.Duration
	IdleTimeout    time.Duration
	WriteTimeout   time.Duration
	Logger         *logging.Logger

	// OnRequest observes every operation with its outcome.
	OnRequest func(op, outcome string, d time.Duration)
	// OnDenied observes mutating calls refused for lack of permission.
	OnDenied func(clientID string, op MessageType)
}

// ServerConfigFrom derives server settings from the daemon configuration.
func ServerConfigFrom(c config.IPCConfig, version string) (ServerConfig, error) {
	mode, err := ParseSocketMode(c.Permissions)
	if err != nil {
		return ServerConfig{}, err
	}
	codec, err := CodecByName(c.Codec)
	if err != nil {
		return ServerConfig{}, err
	}
	timeout := 30 * time.Second
	if c.RequestTimeout != "" {
		if timeout, err = time.ParseDuration(c.RequestTimeout); err != nil {
			return ServerConfig{}, fmt.Errorf("invalid request timeout: %w", err)
		}
	}
	return ServerConfig{
		SocketPath:     c.SocketPath,
		Mode:           mode,
		Version:        version,
		Codec:          codec,
		MaxConnections: c.MaxConnections,
		RateLimit:      c.RateLimit,
		RateBurst:      c.RateBurst,
		RequestTimeout: timeout,
		IdleTimeout:    5 * time.Minute,
		WriteTimeout:   10 * time.Second,
	}, nil
}

// Server accepts client connections and serves Backend over them.
type Server struct {
	mu       sync.RWMutex
	listener net.Listener
	cfg      ServerConfig
	backend  Backend
	log      *logging.Logger
	conns    map[string]*conn

	limiter *security.ClientLimiter
	slots   *security.ConnectionLimiter

	// Shutdown coordination
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// peerPermission is replaced in tests.
var peerPermission = permissionFor

// conn is one connected client. Its ID doubles as the callback handle.
type conn struct {
	ID          string
	nc          net.Conn
	Permission  PermissionLevel
	Peer        *PeerCredentials
	ConnectedAt time.Time

	mu      sync.Mutex
	name    string
	version string
	ready   bool

	writeMu      sync.Mutex
	writeTimeout time.Duration
	closed       atomic.Bool
	pushID       atomic.Uint32
}

// NewServer creates a new IPC server
func NewServer(cfg ServerConfig, backend Backend) *Server {
	if cfg.Codec == nil {
		cfg.Codec = JSON
	}
	if cfg.Mode == 0 {
		cfg.Mode = 0600
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}

	s := &Server{
		cfg:     cfg,
		backend: backend,
		log:     log.WithComponent("ipc"),
		conns:   make(map[string]*conn),
	}
	if cfg.RateLimit > 0 {
		s.limiter = security.NewClientLimiter(cfg.RateLimit, cfg.RateBurst)
	}
	if cfg.MaxConnections > 0 {
		s.slots = security.NewConnectionLimiter(cfg.MaxConnections)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Start listens on the configured Unix socket.
func (s *Server) Start() error {
	socketDir := filepath.Dir(s.cfg.SocketPath)
	if err := os.MkdirAll(socketDir, 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	if IsSocketListening(s.cfg.SocketPath) {
		return fmt.Errorf("socket %s is already in use", s.cfg.SocketPath)
	}
	if err := CleanupSocket(s.cfg.SocketPath); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, s.cfg.Mode); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.Serve(listener)
	s.log.Info("listening", "socket", s.cfg.SocketPath, "codec", s.cfg.Codec.Name())
	return nil
}

// Serve accepts connections from l until Stop.
func (s *Server) Serve(l net.Listener) {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop(l)
}

// Stop closes the listener and every client connection, then waits for
// connection goroutines to finish.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.cancel()

	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	for _, c := range s.conns {
		c.close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warn("timed out waiting for connections to close")
	}

	if s.cfg.SocketPath != "" {
		os.Remove(s.cfg.SocketPath)
	}
	return nil
}

// SocketPath returns the socket path
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func (s *Server) acceptLoop(l net.Listener) {
	defer s.wg.Done()

	for {
		nc, err := l.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}

		if s.slots != nil && !s.slots.Acquire() {
			s.log.Warn("connection refused: limit reached", "max", s.cfg.MaxConnections)
			msg, _ := encode(s.cfg.Codec, MsgError, 0, 0, &ErrorResponse{
				Code: ErrCodeTooManyConnected, Message: "too many connections",
			})
			nc.SetWriteDeadline(time.Now().Add(time.Second))
			msg.Write(nc)
			nc.Close()
			continue
		}

		perm, peer := peerPermission(nc)
		c := &conn{
			ID:           "client-" + uuid.NewString(),
			nc:           nc,
			Permission:   perm,
			Peer:         peer,
			ConnectedAt:  time.Now(),
			writeTimeout: s.cfg.WriteTimeout,
		}

		s.mu.Lock()
		s.conns[c.ID] = c
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(c)
	}
}

func (s *Server) handleConnection(c *conn) {
	defer s.wg.Done()
	log := s.log.With("client", c.ID)
	log.Debug("client connected", "permission", c.Permission)

	defer func() {
		s.mu.Lock()
		delete(s.conns, c.ID)
		s.mu.Unlock()
		c.close()
		s.backend.UnregisterCallback(callback.Handle(c.ID))
		if s.limiter != nil {
			s.limiter.Forget(c.ID)
		}
		if s.slots != nil {
			s.slots.Release()
		}
		log.Debug("client disconnected")
	}()

	for {
		if s.cfg.IdleTimeout > 0 {
			c.nc.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		msg, err := ReadMessage(c.nc)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && s.ctx.Err() == nil {
				log.Debug("read failed", "error", err)
			}
			return
		}
		if msg.IsReply() || msg.Header.Type == MsgPong {
			continue
		}

		reply, err := s.process(c, msg)
		if err != nil {
			log.Warn("request failed", "type", msg.Header.Type, "error", err)
			reply, _ = encode(codecFor(msg.Header.Flags), MsgError, msg.Header.RequestID, FlagReply,
				&ErrorResponse{Code: ErrCodeInternal, Message: err.Error()})
		}
		if reply == nil {
			continue
		}
		if err := c.write(reply); err != nil {
			log.Debug("write failed", "error", err)
			return
		}
	}
}

// process handles one request. Replies use the codec of the request.
func (s *Server) process(c *conn, msg *Message) (*Message, error) {
	codec := codecFor(msg.Header.Flags)
	id := msg.Header.RequestID
	fail := func(code int, text string) (*Message, error) {
		return encode(codec, MsgError, id, FlagReply, &ErrorResponse{Code: code, Message: text})
	}

	switch msg.Header.Type {
	case MsgPing:
		return encode(codec, MsgPong, id, FlagReply, nil)
	case MsgHandshake:
		return s.handshake(c, codec, msg)
	}

	if !c.isReady() {
		return fail(ErrCodeHandshake, "handshake required")
	}
	if s.ctx.Err() != nil {
		return fail(ErrCodeServiceClosed, "server shutting down")
	}
	if s.limiter != nil && !s.limiter.Allow(c.ID) {
		s.observe(msg.Header.Type, metrics.OutcomeDenied, 0)
		return fail(ErrCodeRateLimited, "rate limit exceeded")
	}

	start := time.Now()
	if msg.Header.Type.Mutating() && c.Permission != PermReadWrite {
		if s.cfg.OnDenied != nil {
			s.cfg.OnDenied(c.ID, msg.Header.Type)
		}
		s.observe(msg.Header.Type, metrics.OutcomeDenied, time.Since(start))
		return encode(codec, msg.Header.Type, id, FlagReply, deniedReply(msg.Header.Type))
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RequestTimeout)
	defer cancel()
	ctx = logging.ContextWithRequestID(ctx, fmt.Sprintf("%s/%d", c.ID, id))

	reply, ok, err := s.dispatch(ctx, c, msg)
	if err != nil {
		s.observe(msg.Header.Type, metrics.OutcomeError, time.Since(start))
		return fail(ErrCodeInvalidRequest, err.Error())
	}
	if reply == nil {
		s.observe(msg.Header.Type, metrics.OutcomeError, time.Since(start))
		return fail(ErrCodeNotImplemented, fmt.Sprintf("unsupported message type %s", msg.Header.Type))
	}
	outcome := metrics.OutcomeOK
	if !ok {
		outcome = metrics.OutcomeError
	}
	s.observe(msg.Header.Type, outcome, time.Since(start))
	return encode(codec, msg.Header.Type, id, FlagReply, reply)
}

func (s *Server) observe(t MessageType, outcome string, d time.Duration) {
	if s.cfg.OnRequest != nil {
		s.cfg.OnRequest(t.String(), outcome, d)
	}
}

func (s *Server) handshake(c *conn, codec Codec, msg *Message) (*Message, error) {
	var req HandshakeRequest
	if err := decode(msg, &req); err != nil {
		return encode(codec, MsgError, msg.Header.RequestID, FlagReply,
			&ErrorResponse{Code: ErrCodeInvalidRequest, Message: "invalid handshake"})
	}
	if req.Descriptor != Descriptor {
		return encode(codec, MsgError, msg.Header.RequestID, FlagReply,
			&ErrorResponse{Code: ErrCodeHandshake, Message: fmt.Sprintf("unknown descriptor %q", req.Descriptor)})
	}
	if req.ProtocolVersion > ProtocolVersion {
		return encode(codec, MsgError, msg.Header.RequestID, FlagReply,
			&ErrorResponse{Code: ErrCodeHandshake, Message: fmt.Sprintf("unsupported protocol version %d", req.ProtocolVersion)})
	}

	c.mu.Lock()
	c.name = req.ClientName
	c.version = req.ClientVersion
	c.ready = true
	c.mu.Unlock()

	s.log.Debug("handshake", "client", c.ID, "name", req.ClientName, "version", req.ClientVersion)
	return encode(codec, MsgHandshakeAck, msg.Header.RequestID, FlagReply, &HandshakeResponse{
		Descriptor:      Descriptor,
		ServerVersion:   s.cfg.Version,
		ProtocolVersion: ProtocolVersion,
		ClientID:        c.ID,
		Permission:      c.Permission,
	})
}

// dispatch runs one operation. ok reports whether the operation produced
// a non-empty, non-false result. A nil reply means the type is unknown.
func (s *Server) dispatch(ctx context.Context, c *conn, msg *Message) (reply any, ok bool, err error) {
	b := s.backend
	h := callback.Handle(c.ID)

	switch msg.Header.Type {
	case MsgGetServiceVersion:
		return &StringReply{Value: b.ServiceVersion()}, true, nil

	case MsgRegisterCallback:
		ok := b.RegisterCallback(h, &remoteCallback{conn: c, codec: codecFor(msg.Header.Flags)})
		r := &VoidReply{OK: ok}
		if !ok {
			r.Reason = ReasonUnavailable
		}
		return r, ok, nil

	case MsgUnregisterCallback:
		b.UnregisterCallback(h)
		return &VoidReply{OK: true}, true, nil

	case MsgSubscribeEvents, MsgUnsubscribeEvents:
		var req MaskRequest
		if err := decode(msg, &req); err != nil {
			return nil, false, err
		}
		var ok bool
		if msg.Header.Type == MsgSubscribeEvents {
			ok = b.SubscribeToEvents(h, callback.EventMask(req.Mask))
		} else {
			ok = b.UnsubscribeFromEvents(h, callback.EventMask(req.Mask))
		}
		r := &VoidReply{OK: ok}
		if !ok {
			r.Reason = ReasonNotRegistered
		}
		return r, ok, nil

	case MsgExecuteCommand:
		var req ExecuteCommandRequest
		if err := decode(msg, &req); err != nil {
			return nil, false, err
		}
		out := b.ExecuteCommand(ctx, req.Name, req.Params)
		return &StringReply{Value: out}, !isCommandError(out), nil

	case MsgToggleModule:
		var req ToggleModuleRequest
		if err := decode(msg, &req); err != nil {
			return nil, false, err
		}
		out := b.ToggleLSPosedModule(ctx, req.Package, req.Enable)
		return &StringReply{Value: out}, !isCommandError(out), nil

	case MsgGetOracleDriveStatus:
		return &StringReply{Value: b.GetOracleDriveStatus(ctx)}, true, nil
	case MsgGetDetailedStatus:
		return &StringReply{Value: b.GetDetailedInternalStatus(ctx)}, true, nil
	case MsgGetDiagnosticsLog:
		return &StringReply{Value: b.GetInternalDiagnosticsLog()}, true, nil
	case MsgGetSystemInfo:
		return &StringReply{Value: b.GetSystemInfo(ctx)}, true, nil

	case MsgUpdateConfiguration:
		var req UpdateConfigurationRequest
		if err := decode(msg, &req); err != nil {
			return nil, false, err
		}
		err := b.Configure(ctx, req.Config)
		return &VoidReply{OK: err == nil, Reason: ReasonFor(err)}, err == nil, nil

	case MsgImportFile:
		var req ImportFileRequest
		if err := decode(msg, &req); err != nil {
			return nil, false, err
		}
		id, err := b.Import(ctx, req.Locator)
		return &StringReply{Value: id, Reason: ReasonFor(err)}, err == nil, nil

	case MsgExportFile:
		var req ExportFileRequest
		if err := decode(msg, &req); err != nil {
			return nil, false, err
		}
		err := b.Export(ctx, req.FileID, req.Destination)
		return &BoolReply{Value: err == nil, Reason: ReasonFor(err)}, err == nil, nil

	case MsgVerifyFile:
		var req VerifyFileRequest
		if err := decode(msg, &req); err != nil {
			return nil, false, err
		}
		valid, err := b.Verify(ctx, req.FileID)
		r := &BoolReply{Value: valid && err == nil, Reason: ReasonFor(err)}
		if err == nil && !valid {
			r.Reason = ReasonIntegrityMismatch
		}
		return r, r.Value, nil
	}
	return nil, false, nil
}

func isCommandError(out string) bool {
	return len(out) >= 6 && out[:6] == "error:"
}

func deniedReply(t MessageType) any {
	switch t {
	case MsgExportFile:
		return &BoolReply{Reason: ReasonAccessDenied}
	case MsgUpdateConfiguration:
		return &VoidReply{Reason: ReasonAccessDenied}
	case MsgExecuteCommand, MsgToggleModule:
		return &StringReply{Value: "error: AccessDenied: read-only client", Reason: ReasonAccessDenied}
	}
	return &StringReply{Reason: ReasonAccessDenied}
}

// ReasonFor classifies a backend error into a wire reason. nil maps to "".
func ReasonFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, filestore.ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, filestore.ErrAccessDenied):
		return ReasonAccessDenied
	case errors.Is(err, filestore.ErrIntegrityMismatch):
		return ReasonIntegrityMismatch
	case errors.Is(err, filestore.ErrIOFailure):
		return ReasonIOFailure
	case errors.Is(err, filestore.ErrStorage):
		return ReasonStorage
	case errors.Is(err, config.ErrInvalidConfig):
		return ReasonInvalid
	}
	return ReasonUnavailable
}

func (c *conn) isReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// write sends one frame. Replies and pushed callbacks share the lock so
// frames never interleave.
func (c *conn) write(m *Message) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return m.Write(c.nc)
}

func (c *conn) close() {
	if c.closed.CompareAndSwap(false, true) {
		c.nc.Close()
	}
}
