package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/tcpexec/telemetry"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// readSize is the most bytes taken from any one source before they are forwarded.
const readSize = 255

// Reason describes why a relay ended.
type Reason int

const (
	ReasonUnknown Reason = iota
	// ReasonClientClosed means the connection returned EOF.
	ReasonClientClosed
	// ReasonClientError means reading the connection failed.
	ReasonClientError
	// ReasonProcessClosed means both stdout and stderr of the process returned EOF.
	ReasonProcessClosed
	// ReasonOutputError means reading stdout or stderr failed with something other than EOF.
	ReasonOutputError
	// ReasonWriteError means forwarding bytes to the process or the connection failed.
	ReasonWriteError
	// ReasonCanceled means the relay's context was canceled.
	ReasonCanceled
	// ReasonSpawnFailed means the process could not be started.
	ReasonSpawnFailed
)

func (r Reason) String() string {
	switch r {
	case ReasonClientClosed:
		return "client_closed"
	case ReasonClientError:
		return "client_error"
	case ReasonProcessClosed:
		return "process_closed"
	case ReasonOutputError:
		return "output_error"
	case ReasonWriteError:
		return "write_error"
	case ReasonCanceled:
		return "canceled"
	case ReasonSpawnFailed:
		return "spawn_failed"
	default:
		return "unknown"
	}
}

// Session is the record of a single relayed connection.
type Session struct {
	ID      string
	Program string
	Pid     int

	Started  time.Time
	Duration time.Duration

	// BytesIn counts bytes forwarded from the connection to the process stdin.
	BytesIn int64
	// BytesOut counts bytes forwarded from the process stdout and stderr to the connection.
	BytesOut int64

	Reason   Reason
	ExitCode int
	// Err is the error that ended the session, if any. EOF is not an error.
	Err error
}

// Relay connects network connections to new instances of Program.
// Each call to Serve runs its own process; a Relay holds no per-connection state and may be shared.
type Relay struct {
	Program string
	Log     *zap.SugaredLogger
	Metrics *telemetry.Metrics
}

func (r *Relay) log() *zap.SugaredLogger {
	if r.Log != nil {
		return r.Log
	}
	return zap.NewNop().Sugar()
}

// Serve spawns the program and shuttles bytes until the connection or the process is done.
// The connection is always closed and the process always reaped before Serve returns.
func (r *Relay) Serve(ctx context.Context, conn io.ReadWriteCloser) *Session {
	s := &Session{
		ID:       uuid.NewString(),
		Program:  r.Program,
		Started:  time.Now(),
		ExitCode: -1,
	}
	log := r.log().With("Session", s.ID)

	proc, err := Spawn(r.Program)
	if err != nil {
		log.Warnf("spawning %q: %s", r.Program, err)
		s.Reason = ReasonSpawnFailed
		s.Err = err
		if err := conn.Close(); err != nil && !isExpectedClose(err) {
			log.Debugf("error closing conn: %s", err)
		}
		s.Duration = time.Since(s.Started)
		r.Metrics.SessionRejected(ctx, s.Reason.String())
		return s
	}

	r.run(ctx, log, s, conn, proc)
	return s
}

func (r *Relay) run(ctx context.Context, log *zap.SugaredLogger, s *Session, conn io.ReadWriteCloser, proc *Process) {
	s.Pid = proc.Pid()
	log.Debugw("process started", "Pid", s.Pid, "Program", s.Program)
	r.Metrics.SessionOpened(ctx)

	conn = &onceCloser{ReadWriteCloser: conn}

	// a canceled relay may be stuck in a write, closing the handles unblocks it
	stopAfter := context.AfterFunc(ctx, func() {
		conn.Close()
		proc.ClosePipes()
	})
	defer stopAfter()

	l := &loop{
		log:   log,
		sess:  s,
		conn:  conn,
		proc:  proc,
		chunk: make(chan chunk),
		done:  make(chan struct{}),
		acks: map[source]chan struct{}{
			sourceConn:   make(chan struct{}, 1),
			sourceStdout: make(chan struct{}, 1),
			sourceStderr: make(chan struct{}, 1),
		},
	}

	var readers errgroup.Group
	readers.Go(func() error { l.read(sourceConn, conn); return nil })
	readers.Go(func() error { l.read(sourceStdout, proc.Stdout); return nil })
	readers.Go(func() error { l.read(sourceStderr, proc.Stderr); return nil })

	s.Reason, s.Err = l.run(ctx)
	// handles closed by cancellation surface as read or write errors
	if ctx.Err() != nil && s.Reason != ReasonClientClosed && s.Reason != ReasonProcessClosed {
		s.Reason, s.Err = ReasonCanceled, ctx.Err()
	}

	close(l.done)
	closeErr := multierr.Combine(conn.Close(), proc.ClosePipes())
	if closeErr != nil && !isExpectedClose(closeErr) {
		log.Debugf("error closing relay handles: %s", closeErr)
	}
	readers.Wait()

	// cancellation kills a process that ignores stdin EOF
	stopKill := context.AfterFunc(ctx, func() {
		if err := proc.Kill(); err != nil {
			log.Debugf("error killing process %d: %s", s.Pid, err)
		}
	})
	exitCode, err := proc.Reap()
	stopKill()
	s.ExitCode = exitCode
	if err != nil {
		log.Warnf("reaping process: %s", err)
		if s.Err == nil {
			s.Err = err
		}
	}
	s.Duration = time.Since(s.Started)

	log.Debugw("relay done",
		"Reason", s.Reason.String(),
		"ExitCode", s.ExitCode,
		"BytesIn", s.BytesIn,
		"BytesOut", s.BytesOut,
		"Duration", s.Duration,
	)
	r.Metrics.BytesRelayed(ctx, s.BytesIn, s.BytesOut)
	r.Metrics.SessionClosed(ctx, s.Reason.String(), s.Duration)
}

type source int

const (
	sourceConn source = iota
	sourceStdout
	sourceStderr
)

func (s source) String() string {
	switch s {
	case sourceConn:
		return "conn"
	case sourceStdout:
		return "stdout"
	default:
		return "stderr"
	}
}

// chunk is the result of one read from a source.
// data aliases the reader's buffer and is only valid until the reader is acknowledged.
type chunk struct {
	src  source
	data []byte
	err  error
}

type loop struct {
	log  *zap.SugaredLogger
	sess *Session
	conn io.ReadWriteCloser
	proc *Process

	chunk chan chunk
	acks  map[source]chan struct{}
	done  chan struct{}
}

// read feeds chunks from one source to the loop, one at a time.
func (l *loop) read(src source, r io.Reader) {
	buf := make([]byte, readSize)
	for {
		n, err := r.Read(buf)
		if n == 0 && err == nil {
			continue
		}
		select {
		case l.chunk <- chunk{src: src, data: buf[:n], err: err}:
		case <-l.done:
			return
		}
		if err != nil {
			return
		}
		select {
		case <-l.acks[src]:
		case <-l.done:
			return
		}
	}
}

func (l *loop) run(ctx context.Context) (Reason, error) {
	stdoutOpen, stderrOpen := true, true
	for {
		var c chunk
		select {
		case <-ctx.Done():
			return ReasonCanceled, ctx.Err()
		case c = <-l.chunk:
		}

		if len(c.data) > 0 {
			if err := l.forward(c); err != nil {
				l.log.Debugf("error forwarding %d bytes from %s: %s", len(c.data), c.src, err)
				return ReasonWriteError, err
			}
		}

		if c.err != nil {
			eof := errors.Is(c.err, io.EOF)
			switch {
			case c.src == sourceConn && eof:
				l.log.Debug("conn closed by peer")
				return ReasonClientClosed, nil
			case c.src == sourceConn:
				l.log.Debugf("error reading conn: %s", c.err)
				return ReasonClientError, c.err
			case !eof:
				l.log.Debugf("error reading %s: %s", c.src, c.err)
				return ReasonOutputError, c.err
			case c.src == sourceStdout:
				stdoutOpen = false
			case c.src == sourceStderr:
				stderrOpen = false
			}
			l.log.Debugf("process closed %s", c.src)
			if !stdoutOpen && !stderrOpen {
				return ReasonProcessClosed, nil
			}
			continue
		}

		l.acks[c.src] <- struct{}{}
	}
}

func (l *loop) forward(c chunk) error {
	if c.src == sourceConn {
		n, err := l.proc.Stdin.Write(c.data)
		l.sess.BytesIn += int64(n)
		return err
	}
	n, err := l.conn.Write(c.data)
	l.sess.BytesOut += int64(n)
	return err
}

type onceCloser struct {
	io.ReadWriteCloser
	once sync.Once
	err  error
}

func (c *onceCloser) Close() error {
	c.once.Do(func() { c.err = c.ReadWriteCloser.Close() })
	return c.err
}

// isExpectedClose reports whether err only says that a handle was already closed or the peer went away.
func isExpectedClose(err error) bool {
	for _, e := range multierr.Errors(err) {
		if errors.Is(e, io.EOF) || errors.Is(e, net.ErrClosed) || errors.Is(e, os.ErrClosed) ||
			errors.Is(e, syscall.EPIPE) || errors.Is(e, syscall.ECONNRESET) {
			continue
		}
		return false
	}
	return true
}
