package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/guseggert/tcpexec/relay"
	"github.com/guseggert/tcpexec/telemetry"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

// Server accepts connections and relays each one to a new instance of a program.
// Connections are accepted from a TCP listener, and optionally from WebSocket clients.
type Server struct {
	logger *zap.SugaredLogger

	program      string
	listenAddr   string
	wsListenAddr string
	metrics      *telemetry.Metrics

	relay *relay.Relay

	listener   net.Listener
	wsListener net.Listener
	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	// relays is only added to under relaysMu while draining is false
	relaysMu sync.Mutex
	draining bool
	relays   sync.WaitGroup

	activeSessions atomic.Int64
	totalSessions  atomic.Int64

	stopOnce sync.Once
}

type Option func(s *Server)

// WithListenAddr sets the TCP address to accept connections on. The default is 0.0.0.0:0.
func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

// WithWebSocketAddr enables the WebSocket acceptor on addr.
func WithWebSocketAddr(addr string) Option {
	return func(s *Server) {
		s.wsListenAddr = addr
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l.Named("server").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(s *Server) {
		s.logger = s.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// New constructs a server for program. The program is not validated here.
func New(program string, opts ...Option) (*Server, error) {
	if program == "" {
		return nil, errors.New("program is required")
	}
	s := &Server{
		logger:     zap.NewNop().Sugar(),
		program:    program,
		listenAddr: "0.0.0.0:0",
	}
	for _, o := range opts {
		o(s)
	}
	s.relay = &relay.Relay{
		Program: program,
		Log:     s.logger.Desugar().Named("relay").Sugar(),
		Metrics: s.metrics,
	}
	return s, nil
}

// Start binds the listeners and begins accepting in the background.
// Failing to bind is returned; after that, fatal accept errors are returned by Wait.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	s.listener = listener

	if s.wsListenAddr != "" {
		wsListener, err := net.Listen("tcp", s.wsListenAddr)
		if err != nil {
			listener.Close()
			return fmt.Errorf("listening WebSocket: %w", err)
		}
		s.wsListener = wsListener
		s.httpServer = &http.Server{Handler: s.router()}
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(s.ctx)
	s.group = group

	group.Go(func() error {
		return s.acceptLoop(groupCtx)
	})
	if s.httpServer != nil {
		group.Go(func() error {
			err := s.httpServer.Serve(s.wsListener)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("serving WebSocket: %w", err)
		})
	}
	// the first failure stops the other acceptor
	group.Go(func() error {
		<-groupCtx.Done()
		s.closeListeners()
		return nil
	})

	s.logger.Infow("server started",
		"Program", s.program,
		"Addr", s.listener.Addr().String(),
		"WebSocketAddr", s.WebSocketAddr(),
	)
	return nil
}

// Run starts the server and returns once it has stopped.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}
	return s.Wait()
}

// Wait blocks until the acceptors have stopped and every relay has finished.
func (s *Server) Wait() error {
	if s.group == nil {
		return nil
	}
	err := s.group.Wait()
	if err != nil {
		// a fatal error ends the relays too
		s.cancel()
	}
	s.relaysMu.Lock()
	s.draining = true
	s.relaysMu.Unlock()
	s.relays.Wait()
	return err
}

// trackRelay registers a new relay, unless the server has started draining.
func (s *Server) trackRelay() bool {
	s.relaysMu.Lock()
	defer s.relaysMu.Unlock()
	if s.draining || s.ctx.Err() != nil {
		return false
	}
	s.relays.Add(1)
	return true
}

// Stop closes the listeners, ends active relays, and waits for them to finish.
func (s *Server) Stop() error {
	if s.group == nil {
		return nil
	}
	s.stopOnce.Do(func() {
		s.logger.Info("stopping server")
		s.relaysMu.Lock()
		s.draining = true
		s.relaysMu.Unlock()
		s.cancel()
		s.closeListeners()
	})
	return s.Wait()
}

func (s *Server) closeListeners() {
	if s.httpServer != nil {
		if err := s.httpServer.Close(); err != nil {
			s.logger.Debugf("error closing HTTP server: %s", err)
		}
	}
	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debugf("error closing listener: %s", err)
	}
}

// Addr returns the TCP listener's address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// WebSocketAddr returns the WebSocket listener's address, or "" if it is not enabled.
func (s *Server) WebSocketAddr() string {
	if s.wsListener == nil {
		return ""
	}
	return s.wsListener.Addr().String()
}

// acceptLoop accepts connections until the listener is closed.
// Any other accept error is fatal to the server.
func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Errorf("error accepting conn: %s", err)
			return fmt.Errorf("accepting: %w", err)
		}
		s.logger.Debugw("accepted conn", "RemoteAddr", conn.RemoteAddr().String())
		if !s.trackRelay() {
			conn.Close()
			return nil
		}
		go func() {
			defer s.relays.Done()
			s.serve(conn, conn.RemoteAddr().String())
		}()
	}
}

// serve relays one connection and blocks until the relay is done.
func (s *Server) serve(conn net.Conn, remoteAddr string) *relay.Session {
	s.activeSessions.Add(1)
	s.totalSessions.Add(1)
	defer s.activeSessions.Add(-1)

	sess := s.relay.Serve(s.ctx, conn)
	s.logger.Debugw("connection done",
		"RemoteAddr", remoteAddr,
		"Session", sess.ID,
		"Reason", sess.Reason.String(),
		"ExitCode", sess.ExitCode,
	)
	return sess
}
