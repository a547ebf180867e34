// Package socket is the Unix domain socket transport: one newline-terminated
// JSON request per connection, one newline-terminated JSON response back.
package socket

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/gzhole/guardbridge/internal/config"
	"github.com/gzhole/guardbridge/internal/mediator"
	"go.uber.org/zap"
)

// ErrAlreadyRunning is returned by Serve when another server answers on the
// socket path.
var ErrAlreadyRunning = errors.New("server already running")

// ErrRequestTooLarge is reported when a request line exceeds the size cap.
var ErrRequestTooLarge = errors.New("request exceeds size limit")

// Server accepts one connection at a time and hands each request to Handler.
type Server struct {
	Path            string
	Handler         mediator.Handler
	AcceptTimeout   time.Duration
	ReadTimeout     time.Duration
	MaxRequestBytes int
	Logger          *zap.Logger
}

// NewServer builds a Server from the socket section of the config.
func NewServer(path string, cfg config.SocketConfig, h mediator.Handler, logger *zap.Logger) *Server {
	return &Server{
		Path:            path,
		Handler:         h,
		AcceptTimeout:   cfg.AcceptTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		MaxRequestBytes: cfg.MaxRequestBytes,
		Logger:          logger,
	}
}

func (s *Server) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *Server) limits() (accept, read time.Duration, maxBytes int) {
	defaults := config.DefaultSocketConfig()
	accept, read, maxBytes = s.AcceptTimeout, s.ReadTimeout, s.MaxRequestBytes
	if accept <= 0 {
		accept = defaults.AcceptTimeout
	}
	if read <= 0 {
		read = defaults.ReadTimeout
	}
	if maxBytes <= 0 {
		maxBytes = defaults.MaxRequestBytes
	}
	return accept, read, maxBytes
}

// Serve listens on s.Path until ctx is done. A stale socket file is removed
// first; the socket file is removed again on return.
func (s *Server) Serve(ctx context.Context) error {
	log := s.logger()
	acceptTimeout, _, _ := s.limits()

	if err := os.MkdirAll(filepath.Dir(s.Path), 0700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}

	if conn, err := net.DialTimeout("unix", s.Path, time.Second); err == nil {
		conn.Close()
		return fmt.Errorf("%w at %s", ErrAlreadyRunning, s.Path)
	}
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: s.Path, Net: "unix"})
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	// Closing the listener also unlinks the socket file.
	ln.SetUnlinkOnClose(true)
	defer ln.Close()

	if err := os.Chmod(s.Path, 0660); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	log.Info("socket server listening", zap.String("path", s.Path))

	for {
		if err := ln.SetDeadline(time.Now().Add(acceptTimeout)); err != nil && ctx.Err() == nil {
			log.Warn("set accept deadline", zap.Error(err))
		}
		conn, err := ln.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				log.Info("socket server stopped", zap.String("path", s.Path))
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			log.Warn("accept failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		s.serveConn(ctx, conn)
	}
}

// serveConn handles exactly one request. Faults are logged and the
// connection closed; they never stop the accept loop.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log := s.logger()
	_, readTimeout, maxBytes := s.limits()

	if err := conn.SetDeadline(time.Now().Add(readTimeout)); err != nil {
		log.Warn("set connection deadline", zap.Error(err))
	}

	line, err := readLine(conn, maxBytes)
	var req mediator.Request
	switch {
	case errors.Is(err, ErrRequestTooLarge):
		log.Warn("request too large", zap.Int("limit", maxBytes))
	case err != nil:
		log.Warn("read request", zap.Error(err))
		return
	case len(line) == 0:
		return
	default:
		if req, err = mediator.DecodeRequest(line); err != nil {
			log.Warn("undecodable request", zap.Error(err))
		}
	}

	// Shutdown stops accepting; the connection already read is answered.
	resp := s.Handler.Handle(context.WithoutCancel(ctx), req)

	data, err := json.Marshal(resp)
	if err != nil {
		log.Warn("encode response", zap.String("request_id", resp.RequestID), zap.Error(err))
		return
	}
	// Mediation may have outlasted the read deadline.
	if err := conn.SetWriteDeadline(time.Now().Add(readTimeout)); err != nil {
		log.Warn("set write deadline", zap.Error(err))
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		log.Warn("write response", zap.String("request_id", resp.RequestID), zap.Error(err))
	}
}

// readLine reads up to the first newline, or to EOF. The newline and
// surrounding whitespace are stripped.
func readLine(r io.Reader, maxBytes int) ([]byte, error) {
	br := bufio.NewReader(io.LimitReader(r, int64(maxBytes)+1))
	line, err := br.ReadBytes('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err != nil && len(line) > maxBytes {
		return nil, ErrRequestTooLarge
	}
	if err == nil && len(line)-1 > maxBytes {
		return nil, ErrRequestTooLarge
	}
	return bytes.TrimSpace(line), nil
}
