// Package operator — server.go
//
// Unix domain socket server for ioverseerd operator overrides, consumed
// by the ioverseerctl CLI.
//
// Protocol: newline-delimited JSON over a Unix domain socket.
// Socket path: /run/ioverseer/operator.sock (configurable).
// Permissions: 0600, owned by root. Only root can connect.
//
// Commands (JSON request → JSON response):
//
//	{"cmd":"dump"}
//	  → Returns every tracked package's current resource-overuse stats.
//	  → Response: {"ok":true,"stats":[...]}
//
//	{"cmd":"tiers"}
//	  → Returns a snapshot of the three health-check tiers.
//	  → Response: {"ok":true,"tiers":[...]}
//
//	{"cmd":"push_config"}
//	  → Forces a retry of any stashed pending configuration push.
//	  → Response: {"ok":true}
//
//	{"cmd":"shrink"}
//	  → Forces an immediate retention sweep.
//	  → Response: {"ok":true}
//
//	{"cmd":"top_users","n":10,"min_total_written":0,"days":7}
//	  → Returns the n user-packages with the highest total write bytes
//	    over the trailing `days` days, each with its own daily summaries.
//	  → Response: {"ok":true,"top_users":[...]}
//
// Security:
//   - Socket is created with 0600 permissions; only root can connect.
//   - Each connection is handled in a separate goroutine.
//   - Max concurrent connections: 4 (operator use only, not high-throughput).
//   - Max request size: 4096 bytes (prevents memory exhaustion).
//   - Connection timeout: 10s read, 10s write.
package operator

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

	"github.com/ioverseer/ioverseer/internal/accounting"
	"github.com/ioverseer/ioverseer/internal/model"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// WatchdogControl is the subset of the WatchdogContext facade the
// operator server drives. Kept narrow so tests can supply a fake.
type WatchdogControl interface {
	GetAllResourceOveruseStats(minTotalWritten uint64) []accounting.ResourceOveruseStats
	TierSnapshot() interface{}
	FlushPendingConfiguration(ctx context.Context) error
	ShrinkRetention(now time.Time) error
	GetTopUsersDailyIoUsageSummaries(n int, minTotalWritten uint64, from, to time.Time) ([]model.UserPackageDailyIoUsageSummary, error)
}

// Request is the JSON structure for operator commands.
type Request struct {
	Cmd             string `json:"cmd"` // dump | tiers | push_config | shrink | top_users
	N               int    `json:"n,omitempty"`
	MinTotalWritten uint64 `json:"min_total_written,omitempty"`
	Days            int    `json:"days,omitempty"`
}

// Response is the JSON structure for operator command responses.
type Response struct {
	OK       bool        `json:"ok"`
	Error    string      `json:"error,omitempty"`
	Stats    interface{} `json:"stats,omitempty"`
	Tiers    interface{} `json:"tiers,omitempty"`
	TopUsers interface{} `json:"top_users,omitempty"`
}

// Server is the operator Unix domain socket server.
type Server struct {
	socketPath string
	control    WatchdogControl
	log        *zap.Logger
	sem        chan struct{} // Semaphore: max concurrent connections.
}

// NewServer creates an operator Server.
func NewServer(socketPath string, control WatchdogControl, log *zap.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		control:    control,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the operator socket server. Removes any stale
// socket file before binding. Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("operator: remove stale socket %q: %w", s.socketPath, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("operator: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("operator: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("operator: chmod %q: %w", s.socketPath, err)
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
				s.log.Error("operator: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("operator: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

// handleConn reads one JSON request, executes the command, writes one
// JSON response.
func (s *Server) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("operator: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	resp := s.dispatch(req)
	s.writeResponse(conn, resp)
}

func (s *Server) dispatch(req Request) Response {
	switch req.Cmd {
	case "dump":
		return s.cmdDump()
	case "tiers":
		return s.cmdTiers()
	case "push_config":
		return s.cmdPushConfig()
	case "shrink":
		return s.cmdShrink()
	case "top_users":
		return s.cmdTopUsers(req)
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) cmdDump() Response {
	return Response{OK: true, Stats: s.control.GetAllResourceOveruseStats(0)}
}

func (s *Server) cmdTiers() Response {
	return Response{OK: true, Tiers: s.control.TierSnapshot()}
}

func (s *Server) cmdPushConfig() Response {
	ctx, cancel := context.WithTimeout(context.Background(), connTimeout)
	defer cancel()
	if err := s.control.FlushPendingConfiguration(ctx); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true}
}

func (s *Server) cmdShrink() Response {
	if err := s.control.ShrinkRetention(time.Now()); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true}
}

func (s *Server) cmdTopUsers(req Request) Response {
	n := req.N
	if n <= 0 {
		n = 10
	}
	days := req.Days
	if days <= 0 {
		days = 7
	}
	now := time.Now()
	from := now.AddDate(0, 0, -days)
	top, err := s.control.GetTopUsersDailyIoUsageSummaries(n, req.MinTotalWritten, from, now)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true, TopUsers: top}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}
