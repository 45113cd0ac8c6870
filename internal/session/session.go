// ABOUTME: Owns one socket: framed receive loop, serialized sends, one-shot teardown.
// ABOUTME: Shared by the controller (one per agent) and the agent (single outbound).

package session

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cmdmesh/cmdmesh/internal/protocol"
)

// ErrSessionClosed is returned by Send after the session has torn down.
var ErrSessionClosed = errors.New("session closed")

// DefaultReadTimeout bounds a single blocking read. Hitting it is not an
// error; it triggers the idle probe instead.
const DefaultReadTimeout = 60 * time.Second

// DefaultWriteTimeout bounds a single blocking write. Unlike the read
// timeout, expiry here is terminal: a peer that will not drain its socket is
// indistinguishable from a dead one, and holding the send lock for it would
// stall every other caller.
const DefaultWriteTimeout = 10 * time.Second

// Handler processes one decoded inbound message. Handlers run on the
// session's receive goroutine, so messages on one session are strictly
// ordered.
type Handler func(s *Session, msg *protocol.Message)

// Options configures a Session.
type Options struct {
	// ReadTimeout bounds each blocking read; zero selects DefaultReadTimeout.
	ReadTimeout time.Duration

	// WriteTimeout bounds each blocking write; zero selects
	// DefaultWriteTimeout. A write that cannot complete in time closes the
	// session.
	WriteTimeout time.Duration

	// MaxFrameSize bounds buffered bytes per frame; zero selects the
	// protocol default.
	MaxFrameSize int

	// OnIdle runs when a read deadline expires with no complete frame.
	// Return false to terminate the session; the usual implementation sends
	// a ping and reports whether the send worked. Nil treats idleness as
	// terminal.
	OnIdle func(s *Session) bool

	// OnClose runs exactly once when the session reaches Closed, after the
	// socket is shut. Registry eviction and pending-command failure hang off
	// this callback.
	OnClose func(s *Session)

	// OnProtocolError observes each dropped undecodable frame. The session
	// survives regardless; this exists for instrumentation.
	OnProtocolError func(err error)

	Logger *slog.Logger
}

// Session wraps one net.Conn with newline-JSON framing. Send may be called
// from any goroutine; reads happen only on the goroutine running ReadLoop.
type Session struct {
	conn         net.Conn
	reader       *protocol.FrameReader
	readTimeout  time.Duration
	writeTimeout time.Duration
	onIdle       func(*Session) bool
	onClose      func(*Session)
	onProtoErr   func(error)
	logger       *slog.Logger

	sendMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// New wraps an established connection. The caller must run ReadLoop on its
// own goroutine for the session to make progress.
func New(conn net.Conn, opts Options) *Session {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		conn:         conn,
		reader:       protocol.NewFrameReader(conn, opts.MaxFrameSize),
		readTimeout:  opts.ReadTimeout,
		writeTimeout: opts.WriteTimeout,
		onIdle:       opts.OnIdle,
		onClose:      opts.OnClose,
		onProtoErr:   opts.OnProtocolError,
		logger:       logger.With("component", "session", "remote", conn.RemoteAddr().String()),
		closed:       make(chan struct{}),
	}
}

// RemoteAddr returns the peer address string.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// Send encodes and writes one message. Writes are serialized under a lock so
// frames from concurrent senders never interleave, and each write carries a
// deadline so a peer that stops draining its socket cannot hold the lock
// forever. A write failure, deadline expiry included, closes the session.
func (s *Session) Send(msg *protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		s.Close()
		return err
	}
	if _, err := s.conn.Write(data); err != nil {
		s.logger.Warn("write failed, closing session", "error", err)
		s.Close()
		return err
	}
	return nil
}

// ReadLoop reads, decodes, and dispatches frames until the session reaches a
// terminal condition: orderly EOF, a read error, a framing violation, or an
// idle probe failure. It blocks the calling goroutine and always runs the
// teardown path exactly once before returning.
func (s *Session) ReadLoop(handler Handler) {
	defer s.Close()

	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
			return
		}

		frame, err := s.reader.Next()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				// Quiet line, not a dead one. Probe before giving up; the
				// partial frame, if any, stays buffered.
				if s.onIdle != nil && s.onIdle(s) {
					continue
				}
				s.logger.Info("session idle with no probe path, closing")
				return
			}
			if errors.Is(err, protocol.ErrFrameTooLarge) {
				s.logger.Error("framing violation, closing session", "error", err)
				return
			}
			select {
			case <-s.closed:
				// Expected: Close was called from elsewhere.
			default:
				s.logger.Info("read ended", "error", err)
			}
			return
		}

		if len(frame) == 0 || isBlank(frame) {
			continue
		}

		msg, err := protocol.Decode(frame)
		if err != nil {
			// Protocol error on one message only; the connection survives.
			s.logger.Warn("dropping undecodable frame", "error", err)
			if s.onProtoErr != nil {
				s.onProtoErr(err)
			}
			continue
		}

		handler(s, msg)
	}
}

// Close tears the session down: shuts the socket (unblocking any pending
// read) and fires OnClose exactly once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}

// Closed reports teardown; the channel is closed when the session is done.
func (s *Session) Closed() <-chan struct{} {
	return s.closed
}

// IsClosed reports whether teardown has happened.
func (s *Session) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func isBlank(frame []byte) bool {
	for _, b := range frame {
		if b != ' ' && b != '\t' && b != '\r' {
			return false
		}
	}
	return true
}
