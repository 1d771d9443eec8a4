package tftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pin/tftp"
)

// ErrOutsideRoot is returned for read requests that resolve outside the served directory.
var ErrOutsideRoot = errors.New("path escapes firmware root")

// ErrReadOnly is returned for every write request.
var ErrReadOnly = errors.New("tftp server is read-only")

// Server serves the firmware tree read-only over TFTP.
type Server struct {
	root    string
	address string
	timeout time.Duration
	logger  *log.Logger
	served  func(path string, n int64)
}

// Option customizes a Server.
type Option func(*Server)

// WithServedHook registers a callback invoked after each completed transfer.
func WithServedHook(fn func(path string, n int64)) Option {
	return func(s *Server) { s.served = fn }
}

func NewServer(root, address string, timeout time.Duration, logger *log.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = log.Default()
	}
	if address == "" {
		address = ":69"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	s := &Server{root: root, address: address, timeout: timeout, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run listens until ctx is cancelled. ready is set once the socket is bound.
func (s *Server) Run(ctx context.Context, ready *atomic.Bool) error {
	srv := tftp.NewServer(s.readHandler, s.writeHandler)
	srv.SetTimeout(s.timeout)

	udpAddr, err := net.ResolveUDPAddr("udp", s.address)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", s.address, err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.address, err)
	}
	if ready != nil {
		ready.Store(true)
	}
	s.logger.Printf("INFO tftp listening on %s serving %s", conn.LocalAddr(), s.root)

	done := make(chan struct{})
	go func() {
		srv.Serve(conn)
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		srv.Shutdown()
		<-done
		if ready != nil {
			ready.Store(false)
		}
		return nil
	}
}

func (s *Server) readHandler(filename string, rf io.ReaderFrom) error {
	path, err := s.resolve(filename)
	if err != nil {
		s.logger.Printf("WARN tftp refused %q: %v", filename, err)
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", filename)
	}
	if t, ok := rf.(tftp.OutgoingTransfer); ok {
		t.SetSize(info.Size())
	}

	n, err := rf.ReadFrom(f)
	if err != nil {
		return err
	}
	s.logger.Printf("INFO served %s via TFTP (%d bytes)", filename, n)
	if s.served != nil {
		s.served(filename, n)
	}
	return nil
}

func (s *Server) writeHandler(filename string, _ io.WriterTo) error {
	s.logger.Printf("WARN tftp write refused for %q", filename)
	return ErrReadOnly
}

func (s *Server) resolve(filename string) (string, error) {
	name := strings.ReplaceAll(filename, "\\", "/")
	clean := filepath.Clean("/" + name)
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == "." {
		return "", ErrOutsideRoot
	}
	path := filepath.Join(s.root, clean)
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrOutsideRoot
	}
	return path, nil
}
