package intake

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/logs"

	"orderkeeper/internal/schema"
	"orderkeeper/pkg/exception"
)

const unixNetwork = "unix"

// Ack answers one intent line.
type Ack struct {
	Line      int               `json:"line"`
	Key       string            `json:"key,omitempty"`
	State     schema.OrderState `json:"state,omitempty"`
	Duplicate bool              `json:"duplicate,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Handler records one intent and reports what became of it.
type Handler func(ctx context.Context, intent schema.OrderIntent) Ack

// Server accepts JSON-line intents on a Unix domain socket and answers each
// line with one JSON Ack line.
type Server struct {
	addr    net.UnixAddr
	handler Handler

	mu    sync.Mutex
	ln    *net.UnixListener
	conns map[*net.UnixConn]struct{}
	wg    sync.WaitGroup
}

// NewServer creates a server for the provided socket path.
func NewServer(path string, handler Handler) (*Server, error) {
	if path == "" {
		return nil, exception.ErrEmptySocketPath
	}
	if handler == nil {
		return nil, exception.ErrNilInstance
	}
	return &Server{
		addr:    net.UnixAddr{Name: path, Net: unixNetwork},
		handler: handler,
		conns:   make(map[*net.UnixConn]struct{}),
	}, nil
}

// Path returns the configured socket path.
func (s *Server) Path() string {
	return s.addr.Name
}

// Listen binds the socket. A stale socket file from an earlier run is
// removed first.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return exception.ErrAlreadyListening
	}
	if err := RemoveIfExists(s.addr.Name); err != nil {
		return err
	}
	ln, err := net.ListenUnix(unixNetwork, &s.addr)
	if err != nil {
		return err
	}
	ln.SetUnlinkOnClose(true)
	s.ln = ln
	return nil
}

// Serve accepts connections until ctx is done, then closes the listener and
// every open connection and waits for their handlers.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return exception.ErrNotListening
	}

	stop := context.AfterFunc(ctx, func() {
		_ = s.Close()
	})
	defer stop()
	defer s.wg.Wait()

	logs.Infof("intake listening on %s", s.addr.Name)
	for {
		conn, err := ln.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			_ = s.Close()
			return err
		}
		if !s.track(conn) {
			_ = conn.Close()
			return nil
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.serveConn(ctx, conn)
		}()
	}
}

// Close stops the listener and drops open connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	if s.ln == nil {
		return nil
	}
	err := s.ln.Close()
	s.ln = nil
	return err
}

func (s *Server) track(conn *net.UnixConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn *net.UnixConn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

func (s *Server) serveConn(ctx context.Context, conn *net.UnixConn) {
	accepted := 0
	reply := func(ack Ack) error {
		data, err := sonic.ConfigStd.Marshal(ack)
		if err != nil {
			return err
		}
		_, err = conn.Write(append(data, '\n'))
		return err
	}

	err := ReadIntents(ctx, conn, func(line int, intent schema.OrderIntent) error {
		ack := s.handler(ctx, intent)
		ack.Line = line
		if ack.Error == "" {
			accepted++
		}
		return reply(ack)
	}, func(line int, err error) {
		if werr := reply(Ack{Line: line, Error: err.Error()}); werr != nil {
			logs.Warnf("intake reply line %d, err: %+v", line, werr)
		}
	})
	if err != nil && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
		logs.Warnf("intake connection closed, err: %+v", err)
	}
	logs.Debugf("intake connection done, accepted: %d", accepted)
}

// RemoveIfExists removes the socket file if it exists.
func RemoveIfExists(path string) error {
	if path == "" {
		return exception.ErrEmptySocketPath
	}
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return exception.ErrPathNotSocket
	}
	return os.Remove(path)
}
