package server

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"tz4.dev/signer/protocol"
)

// DefaultTimeout is the per-connection idle timeout applied to each read
// and write when the caller does not choose one.
const DefaultTimeout = 30 * time.Second

// Server accepts baker connections and runs one worker per connection.
// Requests within a connection are strictly serialized; ordering across
// connections comes from the watermark ledger, not the server.
type Server struct {
	addr     string
	handler  *RequestHandler
	timeout  time.Duration
	maxConns int64
	log      zerolog.Logger

	active   atomic.Int64
	listener net.Listener
	ready    chan struct{}
}

// New builds a server. A zero timeout selects DefaultTimeout.
func New(addr string, handler *RequestHandler, timeout time.Duration, log zerolog.Logger) *Server {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Server{
		addr:    addr,
		handler: handler,
		timeout: timeout,
		log:     log,
		ready:   make(chan struct{}),
	}
}

// WithMaxConnections bounds concurrent connections; zero means unbounded.
// Connections over the cap are closed immediately on accept.
func (s *Server) WithMaxConnections(n int) *Server {
	s.maxConns = int64(n)
	return s
}

// Addr returns the bound listen address once Run has opened it.
func (s *Server) Addr() net.Addr {
	<-s.ready
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops the accept loop.
func (s *Server) Close() error {
	<-s.ready
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// Run binds the address and serves until the listener is closed. Bind
// failure is fatal to the caller; per-connection failures only end that
// connection.
func (s *Server) Run() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		close(s.ready)
		return fmt.Errorf("server: listen %s: %w", s.addr, err)
	}
	s.listener = ln
	close(s.ready)
	s.log.Info().Str("addr", ln.Addr().String()).Msg("listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn().Err(err).Msg("accept failed")
			continue
		}
		if s.maxConns > 0 && s.active.Load() >= s.maxConns {
			s.log.Warn().Str("peer", conn.RemoteAddr().String()).Msg("connection limit reached")
			_ = conn.Close()
			continue
		}
		s.active.Add(1)
		go func() {
			defer s.active.Add(-1)
			s.serveConn(conn)
		}()
	}
}

// serveConn handles one connection until the peer closes, the idle timeout
// fires, or framing breaks. A panic in request handling ends the
// connection, never the process.
func (s *Server) serveConn(conn net.Conn) {
	peer := conn.RemoteAddr().String()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("peer", peer).Interface("panic", r).Msg("request worker panicked")
		}
		_ = conn.Close()
	}()

	for {
		body, err := s.readFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug().Str("peer", peer).Err(err).Msg("connection closed")
			}
			return
		}

		req, err := protocol.DecodeRequest(body)
		if err != nil {
			// Malformed body: answer with an error, then drop the
			// connection since framing can no longer be trusted.
			_ = s.writeFrame(conn, protocol.ErrorResponse{Message: err.Error()})
			return
		}

		resp := s.handler.Handle(req)
		if err := s.writeFrame(conn, resp); err != nil {
			s.log.Debug().Str("peer", peer).Err(err).Msg("write failed")
			return
		}
	}
}

// readFrame reads one BE u16 length prefix and that many body bytes.
func (s *Server) readFrame(conn net.Conn) ([]byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(s.timeout)); err != nil {
		return nil, err
	}
	var lenBuf [2]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	if n == 0 {
		return nil, errors.New("server: empty frame")
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, fmt.Errorf("server: truncated frame: %w", err)
	}
	return body, nil
}

func (s *Server) writeFrame(conn net.Conn, resp protocol.Response) error {
	body, err := protocol.EncodeResponse(resp)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
		return err
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(body)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = conn.Write(body)
	return err
}
