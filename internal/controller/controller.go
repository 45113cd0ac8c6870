// ABOUTME: The controller: accepts agent connections over TCP/TLS, routes
// ABOUTME: frames, and wires the registry, dispatcher, health monitor, and policy.

package controller

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cmdmesh/cmdmesh/internal/auth"
	"github.com/cmdmesh/cmdmesh/internal/config"
	"github.com/cmdmesh/cmdmesh/internal/dispatch"
	"github.com/cmdmesh/cmdmesh/internal/health"
	"github.com/cmdmesh/cmdmesh/internal/metrics"
	"github.com/cmdmesh/cmdmesh/internal/protocol"
	"github.com/cmdmesh/cmdmesh/internal/registry"
	"github.com/cmdmesh/cmdmesh/internal/session"
	"github.com/cmdmesh/cmdmesh/internal/shell"
	"github.com/cmdmesh/cmdmesh/internal/store"
)

// ErrNoTargets is returned when a dispatch resolves to no clients.
var ErrNoTargets = errors.New("no matching clients")

// ErrNotRunning is returned by operations that need a started controller.
var ErrNotRunning = errors.New("controller not running")

// Controller owns the listening socket and all agent sessions.
type Controller struct {
	cfg    *config.Controller
	logger *slog.Logger

	registry      *registry.Registry
	dispatcher    *dispatch.Dispatcher
	monitor       *health.Monitor
	executor      *shell.Executor
	verifier      auth.Verifier
	inventory     store.Inventory
	metrics       *metrics.Metrics
	metricsServer *http.Server

	mu       sync.Mutex
	listener net.Listener
	running  bool
	// sessions tracks every open session, registered or not, with its
	// authentication outcome. Shutdown closes them all so no peer is left
	// waiting on its own read timeout.
	sessions map[*session.Session]bool

	wg sync.WaitGroup
}

// New assembles a controller from configuration. TLS material and the
// inventory database are opened eagerly: a controller that cannot satisfy
// its own config should fail at startup, not at first use.
func New(cfg *config.Controller, logger *slog.Logger) (*Controller, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "controller")

	c := &Controller{
		cfg:      cfg,
		logger:   logger,
		registry: registry.New(logger),
		executor: shell.New(cfg.Timeouts.Execution, logger),
		sessions: make(map[*session.Session]bool),
	}

	switch cfg.Auth.Mode {
	case "", "none":
	case "jwt":
		c.verifier = auth.NewJWTVerifier([]byte(cfg.Auth.Secret))
	case "static":
		c.verifier = auth.NewStaticVerifier(cfg.Auth.Secret)
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Auth.Mode)
	}

	if cfg.Inventory.Enabled {
		inv, err := store.NewSQLiteInventory(cfg.Inventory.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("opening inventory: %w", err)
		}
		c.inventory = inv
	}

	if cfg.Metrics.Enabled {
		c.metrics = metrics.Get()
		c.metricsServer = metrics.Serve(cfg.Metrics.Addr, logger)
	}

	c.dispatcher = dispatch.New(c.registry, c.metrics, logger)
	c.monitor = health.New(c.registry, cfg.Timeouts.HealthInterval, cfg.Timeouts.Staleness, c.metrics, logger)
	return c, nil
}

// Start binds the listener and begins accepting agents. Non-blocking; use
// Stop to shut down.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return errors.New("controller already started")
	}

	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)

	var (
		listener net.Listener
		err      error
	)
	if c.cfg.TLS.Enabled {
		cert, certErr := tls.LoadX509KeyPair(c.cfg.TLS.CertFile, c.cfg.TLS.KeyFile)
		if certErr != nil {
			return fmt.Errorf("loading TLS material: %w", certErr)
		}
		listener, err = tls.Listen("tcp", addr, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
	} else {
		listener, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("binding %s: %w", addr, err)
	}

	c.listener = listener
	c.running = true

	c.logger.Info("controller listening",
		"addr", listener.Addr().String(),
		"tls", c.cfg.TLS.Enabled,
		"auth", c.cfg.Auth.Mode,
	)

	c.monitor.Start()
	c.wg.Add(1)
	go c.acceptLoop(listener)
	return nil
}

// Addr returns the bound listener address, useful when the configured port
// was 0.
func (c *Controller) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

// Stop closes the listener and every open session, then waits for all
// session goroutines to drain. Idempotent.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	listener := c.listener
	open := make([]*session.Session, 0, len(c.sessions))
	for s := range c.sessions {
		open = append(open, s)
	}
	c.mu.Unlock()

	c.logger.Info("controller stopping", "open_sessions", len(open))

	_ = listener.Close()
	for _, s := range open {
		s.Close()
	}
	c.monitor.Stop()
	c.wg.Wait()

	if c.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = c.metricsServer.Shutdown(ctx)
		cancel()
	}
	if c.inventory != nil {
		_ = c.inventory.Close()
	}
	c.logger.Info("controller stopped")
}

func (c *Controller) acceptLoop(listener net.Listener) {
	defer c.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			c.mu.Lock()
			running := c.running
			c.mu.Unlock()
			if !running {
				return
			}
			c.logger.Warn("accept failed", "error", err)
			continue
		}

		c.logger.Info("new connection", "remote", conn.RemoteAddr().String())

		sess := session.New(conn, session.Options{
			ReadTimeout: c.cfg.Timeouts.Read,
			OnIdle:      c.probeIdle,
			OnClose:     c.handleSessionClose,
			OnProtocolError: func(error) {
				if c.metrics != nil {
					c.metrics.ProtocolErrors.Inc()
				}
			},
			Logger: c.logger,
		})

		c.mu.Lock()
		if !c.running {
			c.mu.Unlock()
			sess.Close()
			return
		}
		c.sessions[sess] = false
		c.mu.Unlock()

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			sess.ReadLoop(c.route)
		}()
	}
}

// probeIdle pings a quiet peer; a failed write means the socket is dead and
// the session should terminate.
func (c *Controller) probeIdle(s *session.Session) bool {
	err := s.Send(protocol.NewPing(unixNow()))
	if err == nil && c.metrics != nil {
		c.metrics.HeartbeatsSent.Inc()
	}
	return err == nil
}

// handleSessionClose runs exactly once per session, on whatever goroutine
// noticed the death. It evicts the registry record (identity-matched) and
// thereby fails any commands still pending on it.
func (c *Controller) handleSessionClose(s *session.Session) {
	c.mu.Lock()
	delete(c.sessions, s)
	c.mu.Unlock()

	rec := c.registry.Unregister(s)
	if rec == nil {
		return
	}
	if c.metrics != nil {
		c.metrics.ConnectedAgents.Set(float64(c.registry.Len()))
	}
	if c.inventory != nil {
		// Tracked by the WaitGroup so Stop cannot close the database under
		// an in-flight write.
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.inventory.MarkSeen(ctx, rec.ClientID, rec.LastSeen()); err != nil {
				c.logger.Warn("inventory update failed", "client", rec.ClientID, "error", err)
			}
		}()
	}
}

// route dispatches one inbound frame. It runs on the session's receive
// goroutine, so per-session ordering is inherent.
func (c *Controller) route(s *session.Session, msg *protocol.Message) {
	if rec := c.registry.FindBySession(s); rec != nil {
		rec.Touch()
	}

	switch msg.Type {
	case protocol.TypeRegistration:
		c.handleRegistration(s, msg)
	case protocol.TypeCommandResult:
		c.handleCommandResult(s, msg)
	case protocol.TypeCommandRequest:
		c.handleCommandRequest(s, msg)
	case protocol.TypeChat:
		c.handleChat(s, msg)
	case protocol.TypePing:
		if err := s.Send(protocol.NewPong(msg.Timestamp)); err != nil {
			c.logger.Warn("pong failed", "remote", s.RemoteAddr(), "error", err)
		}
	case protocol.TypePong:
		// Liveness already refreshed by the Touch above.
	default:
		c.logger.Warn("unexpected message type", "type", msg.Type, "remote", s.RemoteAddr())
	}
}

func (c *Controller) handleRegistration(s *session.Session, msg *protocol.Message) {
	if msg.SystemInfo == nil || msg.SystemInfo.ClientID == "" {
		c.logger.Warn("registration without client id", "remote", s.RemoteAddr())
		return
	}

	authenticated := false
	if c.verifier != nil {
		subject, err := c.verifier.Verify(msg.AuthToken)
		if err != nil {
			c.logger.Warn("registration rejected",
				"remote", s.RemoteAddr(),
				"client_id", msg.SystemInfo.ClientID,
				"error", err,
			)
			s.Close()
			return
		}
		authenticated = true
		if subject != "" && subject != msg.SystemInfo.ClientID {
			c.logger.Info("token subject differs from client id",
				"subject", subject, "client_id", msg.SystemInfo.ClientID)
		}
	}

	c.mu.Lock()
	// Only mark sessions the close callback has not already removed; a bare
	// write here could resurrect a dead session's entry.
	if _, open := c.sessions[s]; open {
		c.sessions[s] = authenticated
	}
	c.mu.Unlock()

	c.registry.Register(msg.SystemInfo.ClientID, s, *msg.SystemInfo)

	// The session can tear down between the auth check and the insert (a
	// failed probe or relay send, or Stop). OnClose fires exactly once, so a
	// record inserted after it ran would never be evicted; catch it here.
	// Unregister is identity-matched and idempotent, so racing the close
	// callback's own eviction is harmless.
	if s.IsClosed() {
		if c.registry.Unregister(s) != nil {
			c.logger.Warn("session closed during registration",
				"client_id", msg.SystemInfo.ClientID, "remote", s.RemoteAddr())
		}
		return
	}

	if c.metrics != nil {
		c.metrics.Registrations.Inc()
		c.metrics.ConnectedAgents.Set(float64(c.registry.Len()))
	}
	if c.inventory != nil {
		info := *msg.SystemInfo
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.inventory.RecordRegistration(ctx, info); err != nil {
				c.logger.Warn("inventory registration failed", "client", info.ClientID, "error", err)
			}
		}()
	}
}

func (c *Controller) handleCommandResult(s *session.Session, msg *protocol.Message) {
	rec := c.registry.FindBySession(s)
	if rec == nil {
		c.logger.Warn("result from unregistered session", "remote", s.RemoteAddr())
		return
	}
	if msg.Result == nil {
		c.logger.Warn("command_result without result payload", "client", rec.Identifier())
		return
	}
	if !rec.Resolve(msg.CommandID, msg.Result) {
		c.logger.Warn("result for unknown command id",
			"client", rec.Identifier(),
			"correlation_id", msg.CommandID,
		)
	}
}

// handleCommandRequest executes a command on the controller host on behalf
// of an agent, when policy allows. The execution runs off the session
// goroutine so a 60-second command cannot stall the agent's frames.
func (c *Controller) handleCommandRequest(s *session.Session, msg *protocol.Message) {
	rec := c.registry.FindBySession(s)
	identifier := s.RemoteAddr()
	if rec != nil {
		identifier = rec.Identifier()
	}

	if !c.allowCommandRequest(s, rec) {
		c.logger.Warn("command request denied", "from", identifier, "command", msg.Command)
		reply := protocol.NewCommandResponse(msg.CommandID, &protocol.Result{
			Status: protocol.StatusError,
			Error:  "command requests not permitted",
		})
		if err := s.Send(reply); err != nil {
			c.logger.Warn("denial reply failed", "from", identifier, "error", err)
		}
		return
	}

	c.logger.Info("executing command request", "from", identifier, "command", msg.Command)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		result := c.executor.Execute(msg.Command)
		if err := s.Send(protocol.NewCommandResponse(msg.CommandID, result)); err != nil {
			c.logger.Warn("command response failed", "from", identifier, "error", err)
		}
	}()
}

// allowCommandRequest gates agent-initiated execution on the controller:
// the feature must be enabled, the session must be registered, and when a
// verifier is configured the session must have authenticated.
func (c *Controller) allowCommandRequest(s *session.Session, rec *registry.Record) bool {
	if !c.cfg.AllowCommandRequests || rec == nil {
		return false
	}
	if c.verifier == nil {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[s]
}

// handleChat rebroadcasts a chat frame to every other registered client,
// stamping the sender's identifier. Sends happen without any registry lock.
func (c *Controller) handleChat(s *session.Session, msg *protocol.Message) {
	sender := s.RemoteAddr()
	rec := c.registry.FindBySession(s)
	if rec != nil {
		sender = rec.Identifier()
	}
	c.logger.Info("chat", "from", sender, "message", msg.Text)

	ts := msg.Timestamp
	if ts == 0 {
		ts = unixNow()
	}
	out := protocol.NewChat(msg.Text, sender, ts)
	for _, other := range c.registry.List() {
		if other.Session == s {
			continue
		}
		if err := other.Session.Send(out); err != nil {
			c.logger.Warn("chat relay failed", "to", other.Identifier(), "error", err)
		}
	}
}

// ClientSummary is the operator-facing view of one registered agent.
type ClientSummary struct {
	ClientID    string
	Identifier  string
	Hostname    string
	Platform    string
	IPAddress   string
	RemoteAddr  string
	ConnectedAt time.Time
	LastSeen    time.Time
}

func summarize(rec *registry.Record) ClientSummary {
	return ClientSummary{
		ClientID:    rec.ClientID,
		Identifier:  rec.Identifier(),
		Hostname:    rec.SystemInfo.Hostname,
		Platform:    rec.SystemInfo.Platform,
		IPAddress:   rec.SystemInfo.IPAddress,
		RemoteAddr:  rec.Session.RemoteAddr(),
		ConnectedAt: rec.ConnectedAt,
		LastSeen:    rec.LastSeen(),
	}
}

// ListClients snapshots the active registry.
func (c *Controller) ListClients() []ClientSummary {
	records := c.registry.List()
	out := make([]ClientSummary, 0, len(records))
	for _, rec := range records {
		out = append(out, summarize(rec))
	}
	return out
}

// FindClient resolves an id or unique prefix to a summary.
func (c *Controller) FindClient(idOrPrefix string) (ClientSummary, error) {
	rec, err := c.registry.Find(idOrPrefix)
	if err != nil {
		return ClientSummary{}, err
	}
	return summarize(rec), nil
}

// Dispatch sends a command to the named targets (all active clients when
// targets is empty) without waiting. Returns client id → correlation id.
func (c *Controller) Dispatch(command string, targets []string) (map[string]string, error) {
	records, err := c.resolveTargets(targets)
	if err != nil {
		return nil, err
	}
	return c.dispatcher.Send(command, records), nil
}

// DispatchAndWait sends a command and blocks for the aggregated results.
// A zero timeout uses the configured dispatch window.
func (c *Controller) DispatchAndWait(ctx context.Context, command string, targets []string, timeout time.Duration) (map[string]*protocol.Result, error) {
	records, err := c.resolveTargets(targets)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = c.cfg.Timeouts.Dispatch
	}
	return c.dispatcher.SendAndAwait(ctx, command, records, timeout), nil
}

// ExecuteLocal runs a command on the controller host itself, sharing the
// working-directory state with agent-initiated command requests.
func (c *Controller) ExecuteLocal(command string) *protocol.Result {
	return c.executor.Execute(command)
}

// KnownClients returns the persisted roster, or nil when the inventory is
// disabled.
func (c *Controller) KnownClients(ctx context.Context) ([]*store.KnownClient, error) {
	if c.inventory == nil {
		return nil, nil
	}
	return c.inventory.ListKnown(ctx)
}

// resolveTargets maps names to registry records. Unknown ids are skipped
// with a warning (matching operator expectations for fan-out); an ambiguous
// prefix is an error because silently picking one would be worse.
func (c *Controller) resolveTargets(targets []string) ([]*registry.Record, error) {
	if len(targets) == 0 {
		records := c.registry.List()
		if len(records) == 0 {
			return nil, ErrNoTargets
		}
		return records, nil
	}

	var records []*registry.Record
	for _, target := range targets {
		rec, err := c.registry.Find(target)
		if errors.Is(err, registry.ErrClientNotFound) {
			c.logger.Warn("target not found", "target", target)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolving %q: %w", target, err)
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return nil, ErrNoTargets
	}
	return records, nil
}

func unixNow() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
