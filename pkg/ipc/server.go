package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/adcplatform/adc/pkg/logger"
	"github.com/adcplatform/adc/pkg/workers"
)

// maxLineBytes bounds one wire message; larger payloads belong in
// chunked buffers, not single lines.
const maxLineBytes = 16 << 20

// Server answers requests on a module's IPC endpoint by running them
// through the module's method dispatcher.
type Server struct {
	dispatcher *workers.Dispatcher

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
}

// NewServer serves the dispatcher's method table over the protocol.
func NewServer(dispatcher *workers.Dispatcher) *Server {
	return &Server{
		dispatcher: dispatcher,
		conns:      make(map[net.Conn]struct{}),
	}
}

// Listen binds a unix socket at path and accepts connections until
// Close. A stale socket file from a previous run is removed first.
func (s *Server) Listen(ctx context.Context, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	go s.acceptLoop(ctx, ln)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go func() {
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				_ = conn.Close()
			}()
			s.ServeConn(ctx, conn)
		}()
	}
}

// ServeConn handles one duplex stream until EOF. Exported so tests and
// in-process peers can drive the protocol over net.Pipe.
func (s *Server) ServeConn(ctx context.Context, conn io.ReadWriter) {
	reader := bufio.NewReaderSize(conn, 64<<10)
	var writeMu sync.Mutex

	for {
		line, err := readLine(reader)
		if err != nil {
			if err != io.EOF {
				logger.Debugf("ipc connection read failed: %v", err)
			}
			return
		}
		if len(line) == 0 {
			continue
		}

		var req message
		if err := json.Unmarshal(line, &req); err != nil {
			logger.Warnf("ipc peer sent a malformed message: %v", err)
			continue
		}
		if req.Type != TypeRequest {
			continue
		}

		// each request runs on its own goroutine so one slow method
		// does not stall the line
		go func(req message) {
			resp := s.handle(ctx, &req)
			payload, err := json.Marshal(resp)
			if err != nil {
				logger.Errorf("ipc cannot marshal response: %v", err)
				return
			}
			writeMu.Lock()
			defer writeMu.Unlock()
			if _, err := conn.Write(append(payload, '\n')); err != nil {
				logger.Debugf("ipc connection write failed: %v", err)
			}
		}(req)
	}
}

func (s *Server) handle(ctx context.Context, req *message) *message {
	args, err := decodeArgs(req.Args)
	if err != nil {
		return &message{ID: req.ID, Type: TypeError, Error: "malformed arguments: " + err.Error()}
	}
	result, err := s.dispatcher.Call(ctx, req.Method, args...)
	if err != nil {
		return &message{ID: req.ID, Type: TypeError, Error: err.Error()}
	}
	raw, err := EncodeValue(result)
	if err != nil {
		return &message{ID: req.ID, Type: TypeError, Error: "unencodable result: " + err.Error()}
	}
	return &message{ID: req.ID, Type: TypeResponse, Result: raw}
}

// Close stops accepting and drops every open connection.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}
	return err
}

func readLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		if err == io.EOF && len(line) > 0 {
			return trimEOL(line), nil
		}
		return nil, err
	}
	if len(line) > maxLineBytes {
		return nil, io.ErrShortBuffer
	}
	return trimEOL(line), nil
}

func trimEOL(line []byte) []byte {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}
