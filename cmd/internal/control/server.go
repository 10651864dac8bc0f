// Package control serves the out-of-band command channel of a usb_stick device: one CBOR
// request per Unix-socket connection, answered with one CBOR Response.
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"usbstick/cmd/internal/codec"
)

// ActionFunc handles one decoded request. raw is the full CBOR request map, so handlers
// decode whatever fields they need.
type ActionFunc func(ctx context.Context, raw []byte) (any, error)

// Response is the envelope written back on every connection.
type Response struct {
	OK    bool             `cbor:"ok"`
	Error string           `cbor:"error,omitempty"`
	Code  string           `cbor:"code,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

const (
	readTimeout    = 10 * time.Second
	writeTimeout   = 5 * time.Second
	maxRequestSize = 64 * 1024
)

// Server dispatches requests by their "action" field.
type Server struct {
	path     string
	log      *slog.Logger
	handlers map[string]ActionFunc

	mu sync.Mutex
	ln net.Listener

	active sync.WaitGroup
}

func NewServer(path string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		path:     path,
		log:      log,
		handlers: make(map[string]ActionFunc),
	}
}

// Handle registers fn for action. Registration happens before Serve; duplicates panic.
func (s *Server) Handle(action string, fn ActionFunc) {
	if _, ok := s.handlers[action]; ok {
		panic(fmt.Sprintf("control: duplicate handler for action %q", action))
	}
	s.handlers[action] = fn
}

// Path returns the socket path.
func (s *Server) Path() string { return s.path }

// Listen binds the socket, replacing a stale socket file left by a previous run.
// Calling it before Serve surfaces bind errors early; Serve calls it if needed.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln != nil {
		return nil
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket %s: %w", s.path, err)
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.path, err)
	}
	s.ln = ln
	return nil
}

// Serve accepts connections until ctx is done, then waits for in-flight requests.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()

	defer func() {
		_ = ln.Close()
		_ = os.Remove(s.path)
	}()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.log.Info("control.listen", "path", s.path)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Error("control.accept", "err", err)
			continue
		}

		s.active.Add(1)
		go func() {
			defer s.active.Done()
			s.handleConn(ctx, conn)
		}()
	}

	s.active.Wait()
	return nil
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

	var raw codec.RawMessage
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		s.writeError(conn, CodeBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	var header struct {
		Action string `cbor:"action"`
	}
	if err := codec.Unmarshal(raw, &header); err != nil {
		s.writeError(conn, CodeBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if header.Action == "" {
		s.writeError(conn, CodeBadRequest, "missing required field: action")
		return
	}

	fn, ok := s.handlers[header.Action]
	if !ok {
		s.writeError(conn, CodeUnknownAction, fmt.Sprintf("unknown action %q", header.Action))
		return
	}

	result, err := fn(ctx, []byte(raw))
	if err != nil {
		s.log.Debug("control.action.failed", "action", header.Action, "err", err)
		s.writeError(conn, errorCode(err), err.Error())
		return
	}

	s.log.Debug("control.action", "action", header.Action)
	s.writeSuccess(conn, result)
}

func (s *Server) writeError(conn net.Conn, code, msg string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := codec.NewEncoder(conn).Encode(Response{Error: msg, Code: code}); err != nil {
		s.log.Debug("control.write.failed", "err", err)
	}
}

func (s *Server) writeSuccess(conn net.Conn, result any) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	resp := Response{OK: true}
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			s.writeError(conn, CodeInternal, fmt.Sprintf("marshal response: %v", err))
			return
		}
		resp.Data = data
	}

	if err := codec.NewEncoder(conn).Encode(resp); err != nil {
		s.log.Debug("control.write.failed", "err", err)
	}
}
