// ABOUTME: The agent: maintains one outbound session to the controller,
// ABOUTME: executes dispatched commands, and reconnects in a bounded loop.

package agent

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cmdmesh/cmdmesh/internal/config"
	"github.com/cmdmesh/cmdmesh/internal/protocol"
	"github.com/cmdmesh/cmdmesh/internal/session"
	"github.com/cmdmesh/cmdmesh/internal/shell"
	"github.com/cmdmesh/cmdmesh/internal/sysinfo"
)

// State is the agent's connection lifecycle phase.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateRegistering
	StateActive
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateRegistering:
		return "registering"
	case StateActive:
		return "active"
	default:
		return "disconnected"
	}
}

var (
	// ErrNotConnected is returned by RequestCommand while no session is active.
	ErrNotConnected = errors.New("not connected to controller")
	// ErrRequestTimeout is returned when the controller never answered a
	// command request within the wait window.
	ErrRequestTimeout = errors.New("no response received before timeout")
)

// DefaultDialTimeout bounds a single connection attempt.
const DefaultDialTimeout = 30 * time.Second

// Agent connects out to a controller and serves its commands. Run drives the
// whole lifecycle; everything else is safe to call concurrently.
type Agent struct {
	cfg      *config.Agent
	info     protocol.SystemInfo
	executor *shell.Executor
	logger   *slog.Logger

	// OnChat, when set, receives relayed chat messages instead of the log.
	OnChat func(text, sender string)

	mu       sync.Mutex
	state    State
	sess     *session.Session
	requests map[string]chan *protocol.Result
}

// New builds an agent from configuration. The system snapshot is collected
// once: identity does not change while the process lives.
func New(cfg *config.Agent, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "agent")

	info := sysinfo.Collect(cfg.ClientID)
	return &Agent{
		cfg:      cfg,
		info:     info,
		executor: shell.New(cfg.Timeouts.Execution, logger),
		logger:   logger.With("client_id", info.ClientID),
		requests: make(map[string]chan *protocol.Result),
	}
}

// ClientID returns the identity the agent registers under.
func (a *Agent) ClientID() string {
	return a.info.ClientID
}

// State reports the current lifecycle phase.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Run connects, registers, and serves until ctx is cancelled. Every
// disconnection is followed by a fixed delay and a fresh attempt; the loop
// is flat, never recursive, so an unstable controller cannot grow the stack.
func (a *Agent) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port)
	delay := a.cfg.Timeouts.ReconnectDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		a.setState(StateConnecting)
		a.logger.Info("connecting", "addr", addr, "tls", a.cfg.TLS.Enabled)

		conn, err := a.dial(ctx, addr)
		if err != nil {
			a.setState(StateDisconnected)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.Warn("connection failed", "addr", addr, "error", err)
			if !sleepCtx(ctx, delay) {
				return ctx.Err()
			}
			continue
		}

		a.serveSession(ctx, conn)
		a.setState(StateDisconnected)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.logger.Info("disconnected, retrying", "delay", delay)
		if !sleepCtx(ctx, delay) {
			return ctx.Err()
		}
	}
}

// serveSession registers over an established connection and blocks until the
// session dies or ctx is cancelled.
func (a *Agent) serveSession(ctx context.Context, conn net.Conn) {
	sess := session.New(conn, session.Options{
		ReadTimeout: a.cfg.Timeouts.Read,
		OnIdle:      a.probeIdle,
		OnClose:     a.handleSessionClose,
		Logger:      a.logger,
	})

	a.mu.Lock()
	a.sess = sess
	a.state = StateRegistering
	a.mu.Unlock()

	// Registration is fire-and-forget; the controller sends no ack. First
	// command or ping proves it worked.
	if err := sess.Send(protocol.NewRegistration(&a.info, a.cfg.Token)); err != nil {
		a.logger.Warn("registration send failed", "error", err)
		sess.Close()
		return
	}
	a.setState(StateActive)
	a.logger.Info("registered", "hostname", a.info.Hostname)

	// Cancellation must unblock the read loop.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			sess.Close()
		case <-sess.Closed():
		}
		close(watchDone)
	}()

	sess.ReadLoop(a.route)
	<-watchDone
}

// dial establishes the TCP or TLS connection.
func (a *Agent) dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: DefaultDialTimeout}

	if !a.cfg.TLS.Enabled {
		return dialer.DialContext(ctx, "tcp", addr)
	}

	tlsCfg := &tls.Config{
		ServerName: a.cfg.Host,
		MinVersion: tls.VersionTLS12,
	}
	if a.cfg.TLS.CertFile != "" {
		pem, err := os.ReadFile(a.cfg.TLS.CertFile)
		if err != nil {
			return nil, fmt.Errorf("reading pinned certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", a.cfg.TLS.CertFile)
		}
		tlsCfg.RootCAs = pool
	}
	if a.cfg.TLS.InsecureSkipVerify {
		a.logger.Warn("TLS certificate verification disabled")
		tlsCfg.InsecureSkipVerify = true
	}

	tlsDialer := &tls.Dialer{NetDialer: dialer, Config: tlsCfg}
	return tlsDialer.DialContext(ctx, "tcp", addr)
}

// probeIdle pings the controller when the line goes quiet.
func (a *Agent) probeIdle(s *session.Session) bool {
	return s.Send(protocol.NewPing(unixNow())) == nil
}

// handleSessionClose fails every locally pending command request: no answer
// is coming over a dead session.
func (a *Agent) handleSessionClose(s *session.Session) {
	a.mu.Lock()
	if a.sess == s {
		a.sess = nil
	}
	stranded := a.requests
	a.requests = make(map[string]chan *protocol.Result)
	a.mu.Unlock()

	for _, ch := range stranded {
		ch <- &protocol.Result{
			Status: protocol.StatusError,
			Error:  "disconnected before receiving response",
		}
	}
}

// route handles one inbound frame on the session goroutine. Command
// execution is inline: commands on one session run in arrival order.
func (a *Agent) route(s *session.Session, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeCommand:
		a.logger.Info("executing command", "correlation_id", msg.CommandID, "command", msg.Command)
		result := a.executor.Execute(msg.Command)
		if err := s.Send(protocol.NewCommandResult(msg.CommandID, result)); err != nil {
			a.logger.Warn("result send failed", "correlation_id", msg.CommandID, "error", err)
		}
	case protocol.TypeCommandResponse:
		a.resolveRequest(msg)
	case protocol.TypePing:
		if err := s.Send(protocol.NewPong(msg.Timestamp)); err != nil {
			a.logger.Warn("pong failed", "error", err)
		}
	case protocol.TypePong:
		// Probe answered; nothing to record beyond the read itself.
	case protocol.TypeChat:
		if a.OnChat != nil {
			a.OnChat(msg.Text, msg.Sender)
		} else {
			a.logger.Info("chat", "from", msg.Sender, "message", msg.Text)
		}
	default:
		a.logger.Warn("unexpected message type", "type", msg.Type)
	}
}

func (a *Agent) resolveRequest(msg *protocol.Message) {
	a.mu.Lock()
	ch, ok := a.requests[msg.CommandID]
	if ok {
		delete(a.requests, msg.CommandID)
	}
	a.mu.Unlock()

	if !ok {
		a.logger.Warn("response for unknown request", "correlation_id", msg.CommandID)
		return
	}
	result := msg.Result
	if result == nil {
		result = &protocol.Result{Status: protocol.StatusError, Error: "empty response"}
	}
	ch <- result
}

// RequestCommand asks the controller to execute a command on its own host
// and waits for the response. The wait is bounded by the configured dispatch
// window (10s default) so an unwilling controller cannot hang the caller.
func (a *Agent) RequestCommand(ctx context.Context, command string) (*protocol.Result, error) {
	a.mu.Lock()
	sess := a.sess
	if sess == nil || a.state != StateActive {
		a.mu.Unlock()
		return nil, ErrNotConnected
	}
	correlationID := uuid.New().String()
	ch := make(chan *protocol.Result, 1)
	a.requests[correlationID] = ch
	a.mu.Unlock()

	if err := sess.Send(protocol.NewCommandRequest(correlationID, command)); err != nil {
		a.dropRequest(correlationID)
		return nil, err
	}

	wait := a.cfg.Timeouts.Dispatch
	if wait <= 0 {
		wait = 10 * time.Second
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case result := <-ch:
		return result, nil
	case <-timer.C:
		a.dropRequest(correlationID)
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		a.dropRequest(correlationID)
		return nil, ctx.Err()
	}
}

func (a *Agent) dropRequest(correlationID string) {
	a.mu.Lock()
	delete(a.requests, correlationID)
	a.mu.Unlock()
}

// SendChat relays a chat message through the controller to the other agents.
func (a *Agent) SendChat(text string) error {
	a.mu.Lock()
	sess := a.sess
	a.mu.Unlock()
	if sess == nil {
		return ErrNotConnected
	}
	return sess.Send(protocol.NewChat(text, "", unixNow()))
}

// ExecuteLocal runs a command in the agent's own shell context, sharing the
// working directory with dispatched commands.
func (a *Agent) ExecuteLocal(command string) *protocol.Result {
	return a.executor.Execute(command)
}

// LocalCwd returns the executor's tracked working directory.
func (a *Agent) LocalCwd() string {
	return a.executor.Cwd()
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// sleepCtx waits d or until ctx is cancelled; reports whether the full delay
// elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func unixNow() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
