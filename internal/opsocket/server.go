// Package opsocket is the ambient operator/introspection surface from
// SPEC_FULL.md §5.8: a Unix domain socket, newline-delimited-JSON
// administrative protocol, directly grounded on the teacher's
// internal/operator/server.go (0600 perms, bounded concurrent
// connections via a semaphore, bounded request size, per-connection
// deadline). It is not the spec's RPC front-end — a narrow, root-only
// escape hatch for listing/getting manager state and forcing a state
// rebuild without going through the RPC layer; each request is still
// submitted to the command loop like any other command.
package opsocket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/bpfmand/bpfmand/internal/command"
	"github.com/bpfmand/bpfmand/internal/model"
	"github.com/bpfmand/bpfmand/internal/registry"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// Request is the JSON structure for operator commands.
type Request struct {
	Cmd  string `json:"cmd"` // list | get | rebuild-state
	ID   uint32 `json:"id,omitempty"`
	Kind string `json:"kind,omitempty"`
}

// Response is the JSON structure for operator command responses.
type Response struct {
	OK      bool            `json:"ok"`
	Error   string          `json:"error,omitempty"`
	Entries []registry.Entry `json:"entries,omitempty"`
	Entry   *registry.Entry  `json:"entry,omitempty"`
}

// Rebuilder is implemented by whatever owns registry.RebuildState —
// the command loop is the only safe caller since registry state must
// only ever mutate from the single command-loop goroutine, so
// rebuild-state is submitted as a command rather than called directly.
type Rebuilder interface {
	Submit(ctx context.Context, cmd command.Command) (command.Result, error)
}

// Server is the operator Unix domain socket server.
type Server struct {
	socketPath string
	manager    Rebuilder
	log        *zap.Logger
	sem        chan struct{}
}

// NewServer returns an opsocket Server bound to socketPath once
// ListenAndServe is called.
func NewServer(socketPath string, manager Rebuilder, log *zap.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		manager:    manager,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the operator socket server, removing any stale
// socket file first. Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("opsocket: remove stale socket %q: %w", s.socketPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("opsocket: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("opsocket: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("opsocket: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("operator socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("opsocket: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("opsocket: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(ctx, c)
		}(conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("opsocket: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	resp := s.dispatch(ctx, req)
	s.writeResponse(conn, resp)
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Cmd {
	case "list":
		return s.cmdList(ctx, req)
	case "get":
		return s.cmdGet(ctx, req)
	case "rebuild-state":
		return s.cmdRebuildState(ctx)
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) cmdList(ctx context.Context, req Request) Response {
	filter := registry.Filter{}
	if req.Kind != "" {
		k, err := parseKind(req.Kind)
		if err != nil {
			return Response{OK: false, Error: err.Error()}
		}
		filter.Kind = &k
	}
	res, err := s.manager.Submit(ctx, command.Command{Kind: command.KindList, Filter: filter})
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	if res.Err != nil {
		return Response{OK: false, Error: res.Err.Error()}
	}
	return Response{OK: true, Entries: res.Entries}
}

func (s *Server) cmdGet(ctx context.Context, req Request) Response {
	res, err := s.manager.Submit(ctx, command.Command{Kind: command.KindGet, GetID: req.ID})
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	if res.Err != nil {
		return Response{OK: false, Error: res.Err.Error()}
	}
	if !res.Found {
		return Response{OK: false, Error: fmt.Sprintf("id %d not found", req.ID)}
	}
	return Response{OK: true, Entry: &res.Entry}
}

func (s *Server) cmdRebuildState(ctx context.Context) Response {
	res, err := s.manager.Submit(ctx, command.Command{Kind: command.KindRebuildState})
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	if res.Err != nil {
		return Response{OK: false, Error: res.Err.Error()}
	}
	return Response{OK: true}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}

func parseKind(name string) (model.ProgramKind, error) {
	switch name {
	case "xdp":
		return model.KindXDP, nil
	case "tc":
		return model.KindTC, nil
	case "tracepoint":
		return model.KindTracepoint, nil
	case "kprobe":
		return model.KindKprobe, nil
	case "uprobe":
		return model.KindUprobe, nil
	default:
		return 0, fmt.Errorf("unknown kind %q (valid: xdp tc tracepoint kprobe uprobe)", name)
	}
}
