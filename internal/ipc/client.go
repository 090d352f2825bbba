package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"auradrive/internal/callback"
)

// Common errors
var (
	ErrNotConnected     = errors.New("not connected to service")
	ErrConnectionLost   = errors.New("connection to service lost")
	ErrDaemonNotRunning = errors.New("service is not running")
	ErrTimeout          = errors.New("request timeout")
)

// RemoteError is an ErrorResponse returned by the server.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// ClientConfig configures the IPC client
type ClientConfig struct {
	SocketPath     string
	ClientName     string
	ClientVersion  string
	Codec          Codec
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig(socketPath string) ClientConfig {
	return ClientConfig{
		SocketPath:     socketPath,
		ClientName:     "auractl",
		ClientVersion:  "1.0.0",
		Codec:          JSON,
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// Client talks to the service over one connection. It is safe for
// concurrent use.
type Client struct {
	mu         sync.RWMutex
	conn       net.Conn
	clientID   string
	version    string
	permission PermissionLevel
	connected  atomic.Bool

	writeMu sync.Mutex

	// Request handling
	pending   map[uint32]chan *Message
	pendingMu sync.Mutex
	nextReqID atomic.Uint32

	// Callback frames are delivered in order on one goroutine.
	cbMu sync.RWMutex
	cb   callback.Callback

	// ctx lives as long as the current connection; Attach replaces it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	config ClientConfig
}

// NewClient creates a new IPC client
func NewClient(cfg ClientConfig) *Client {
	if cfg.Codec == nil {
		cfg.Codec = JSON
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		pending: make(map[uint32]chan *Message),
		ctx:     ctx,
		cancel:  cancel,
		config:  cfg,
	}
}

// Connect dials the configured socket and performs the handshake.
func (c *Client) Connect(ctx context.Context) error {
	if c.connected.Load() {
		return nil
	}
	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
	nc, err := dialer.DialContext(ctx, "unix", c.config.SocketPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrDaemonNotRunning
		}
		return fmt.Errorf("connect: %w", err)
	}
	return c.Attach(ctx, nc)
}

// Attach runs the protocol over an already open connection. A client
// whose connection was lost can be attached again.
func (c *Client) Attach(ctx context.Context, nc net.Conn) error {
	frames := make(chan *CallbackFrame, 256)

	c.mu.Lock()
	c.cancel()
	c.ctx, c.cancel = context.WithCancel(context.Background())
	session := c.ctx
	c.conn = nc
	c.mu.Unlock()
	c.connected.Store(true)

	c.wg.Add(2)
	go c.readLoop(session, nc, frames)
	go c.callbackLoop(frames)

	if err := c.handshake(ctx); err != nil {
		c.Close()
		return fmt.Errorf("handshake: %w", err)
	}
	return nil
}

// Close closes the connection and waits for background goroutines.
func (c *Client) Close() error {
	c.mu.RLock()
	cancel := c.cancel
	c.mu.RUnlock()
	cancel()
	c.drop(nil)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
	return nil
}

// drop closes nc and fails all pending requests. A nil nc means the
// current connection; a connection that was already replaced is ignored.
func (c *Client) drop(nc net.Conn) {
	c.mu.Lock()
	if nc != nil && c.conn != nc {
		c.mu.Unlock()
		return
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected.Store(false)
	c.mu.Unlock()

	c.pendingMu.Lock()
	for _, ch := range c.pending {
		close(ch)
	}
	c.pending = make(map[uint32]chan *Message)
	c.pendingMu.Unlock()
}

// IsConnected returns whether the client is connected
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// ClientID returns the ID the server assigned to this connection.
func (c *Client) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

// Permission returns the access level granted by the server.
func (c *Client) Permission() PermissionLevel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.permission
}

// ServerVersion returns the version reported in the handshake.
func (c *Client) ServerVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

func (c *Client) handshake(ctx context.Context) error {
	var ack HandshakeResponse
	err := c.call(ctx, MsgHandshake, &HandshakeRequest{
		Descriptor:      Descriptor,
		ClientName:      c.config.ClientName,
		ClientVersion:   c.config.ClientVersion,
		ProtocolVersion: ProtocolVersion,
	}, &ack)
	if err != nil {
		return err
	}
	if ack.Descriptor != Descriptor {
		return fmt.Errorf("unexpected descriptor %q", ack.Descriptor)
	}

	c.mu.Lock()
	c.clientID = ack.ClientID
	c.version = ack.ServerVersion
	c.permission = ack.Permission
	c.mu.Unlock()
	return nil
}

// call sends a request and decodes the reply into out.
func (c *Client) call(ctx context.Context, msgType MessageType, in, out any) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}

	reqID := c.nextReqID.Add(1)
	msg, err := encode(c.config.Codec, msgType, reqID, 0, in)
	if err != nil {
		return err
	}

	respChan := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = respChan
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	c.mu.RLock()
	conn := c.conn
	session := c.ctx
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	err = msg.Write(conn)
	c.writeMu.Unlock()
	if err != nil {
		c.drop(conn)
		return fmt.Errorf("write message: %w", err)
	}

	timer := time.NewTimer(c.config.RequestTimeout)
	defer timer.Stop()

	var resp *Message
	select {
	case r, ok := <-respChan:
		if !ok {
			return ErrConnectionLost
		}
		resp = r
	case <-timer.C:
		return fmt.Errorf("%s: %w", msgType, ErrTimeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-session.Done():
		return ErrNotConnected
	}

	if resp.Header.Type == MsgError {
		var e ErrorResponse
		if err := decode(resp, &e); err != nil {
			return err
		}
		return &RemoteError{Code: e.Code, Message: e.Message}
	}
	if out == nil {
		return nil
	}
	return decode(resp, out)
}

func (c *Client) readLoop(ctx context.Context, nc net.Conn, frames chan<- *CallbackFrame) {
	defer c.wg.Done()
	defer close(frames)

	for {
		msg, err := ReadMessage(nc)
		if err != nil {
			c.drop(nc)
			return
		}

		switch {
		case msg.Header.Type == MsgCallback:
			var f CallbackFrame
			if err := decode(msg, &f); err == nil {
				select {
				case frames <- &f:
				case <-ctx.Done():
					return
				}
			}

		case msg.Header.Type == MsgPing && !msg.IsReply():
			pong := NewMessage(MsgPong, msg.Header.RequestID, c.config.Codec.Flag()|FlagReply, nil)
			c.writeMu.Lock()
			pong.Write(nc)
			c.writeMu.Unlock()

		default:
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.Header.RequestID]; ok {
				select {
				case ch <- msg:
				default:
				}
			}
			c.pendingMu.Unlock()
		}
	}
}

func (c *Client) callbackLoop(frames <-chan *CallbackFrame) {
	defer c.wg.Done()
	for f := range frames {
		c.cbMu.RLock()
		cb := c.cb
		c.cbMu.RUnlock()
		if cb != nil {
			dispatchFrame(cb, f)
		}
	}
}

// Operations

// Ping checks that the service answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, MsgPing, nil, nil)
}

func (c *Client) stringCall(ctx context.Context, t MessageType, in any) (string, error) {
	var r StringReply
	if err := c.call(ctx, t, in, &r); err != nil {
		return "", err
	}
	return r.Value, nil
}

// ServiceVersion returns the service version string.
func (c *Client) ServiceVersion(ctx context.Context) (string, error) {
	return c.stringCall(ctx, MsgGetServiceVersion, nil)
}

// RegisterCallback installs cb locally and registers this connection for
// notifications. A nil cb only registers; frames are then discarded.
func (c *Client) RegisterCallback(ctx context.Context, cb callback.Callback) (bool, error) {
	c.cbMu.Lock()
	c.cb = cb
	c.cbMu.Unlock()

	var r VoidReply
	if err := c.call(ctx, MsgRegisterCallback, nil, &r); err != nil {
		return false, err
	}
	return r.OK, nil
}

// UnregisterCallback stops notifications for this connection. The final
// OnDisconnected is still delivered to the local callback.
func (c *Client) UnregisterCallback(ctx context.Context) error {
	return c.call(ctx, MsgUnregisterCallback, nil, nil)
}

// SubscribeToEvents adds categories to this connection's mask.
func (c *Client) SubscribeToEvents(ctx context.Context, mask callback.EventMask) (bool, error) {
	var r VoidReply
	if err := c.call(ctx, MsgSubscribeEvents, &MaskRequest{Mask: uint32(mask)}, &r); err != nil {
		return false, err
	}
	return r.OK, nil
}

// UnsubscribeFromEvents removes categories from this connection's mask.
func (c *Client) UnsubscribeFromEvents(ctx context.Context, mask callback.EventMask) (bool, error) {
	var r VoidReply
	if err := c.call(ctx, MsgUnsubscribeEvents, &MaskRequest{Mask: uint32(mask)}, &r); err != nil {
		return false, err
	}
	return r.OK, nil
}

// ExecuteCommand runs a named command and returns its result string.
func (c *Client) ExecuteCommand(ctx context.Context, name string, params map[string]any) (string, error) {
	return c.stringCall(ctx, MsgExecuteCommand, &ExecuteCommandRequest{Name: name, Params: params})
}

// ToggleModule enables or disables a module package.
func (c *Client) ToggleModule(ctx context.Context, pkg string, enable bool) (string, error) {
	return c.stringCall(ctx, MsgToggleModule, &ToggleModuleRequest{Package: pkg, Enable: enable})
}

// OracleDriveStatus returns the one-line status summary.
func (c *Client) OracleDriveStatus(ctx context.Context) (string, error) {
	return c.stringCall(ctx, MsgGetOracleDriveStatus, nil)
}

// DetailedInternalStatus returns the JSON status document.
func (c *Client) DetailedInternalStatus(ctx context.Context) (string, error) {
	return c.stringCall(ctx, MsgGetDetailedStatus, nil)
}

// InternalDiagnosticsLog returns recent log records.
func (c *Client) InternalDiagnosticsLog(ctx context.Context) (string, error) {
	return c.stringCall(ctx, MsgGetDiagnosticsLog, nil)
}

// SystemInfo returns the host information document.
func (c *Client) SystemInfo(ctx context.Context) (string, error) {
	return c.stringCall(ctx, MsgGetSystemInfo, nil)
}

// UpdateConfiguration applies runtime settings. The reply reports whether
// the update was accepted and, if not, why.
func (c *Client) UpdateConfiguration(ctx context.Context, values map[string]any) (*VoidReply, error) {
	var r VoidReply
	if err := c.call(ctx, MsgUpdateConfiguration, &UpdateConfigurationRequest{Config: values}, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ImportFile imports the content at locator. An empty Value means failure.
func (c *Client) ImportFile(ctx context.Context, locator string) (*StringReply, error) {
	var r StringReply
	if err := c.call(ctx, MsgImportFile, &ImportFileRequest{Locator: locator}, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ExportFile writes a stored file to dest.
func (c *Client) ExportFile(ctx context.Context, id, dest string) (*BoolReply, error) {
	var r BoolReply
	if err := c.call(ctx, MsgExportFile, &ExportFileRequest{FileID: id, Destination: dest}, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// VerifyFileIntegrity re-verifies a stored file.
func (c *Client) VerifyFileIntegrity(ctx context.Context, id string) (*BoolReply, error) {
	var r BoolReply
	if err := c.call(ctx, MsgVerifyFile, &VerifyFileRequest{FileID: id}, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
