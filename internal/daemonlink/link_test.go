package daemonlink

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ioverseer/ioverseer/internal/werror"
)

// fakeDaemonServer is a minimal stand-in for the native watchdog daemon:
// it accepts one connection at a time and answers every request with a
// canned response keyed by method name.
type fakeDaemonServer struct {
	t          *testing.T
	listener   net.Listener
	socketPath string

	mu        sync.Mutex
	responses map[string]Response
	seen      []string
}

func newFakeDaemonServer(t *testing.T) *fakeDaemonServer {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "daemon.sock")
	ln, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	s := &fakeDaemonServer{t: t, listener: ln, socketPath: socketPath, responses: map[string]Response{}}
	go s.acceptLoop()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *fakeDaemonServer) setResponse(method string, resp Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[method] = resp
}

func (s *fakeDaemonServer) methodsSeen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.seen...)
}

func (s *fakeDaemonServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.serve(conn)
	}
}

func (s *fakeDaemonServer) serve(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			return
		}

		s.mu.Lock()
		s.seen = append(s.seen, req.Method)
		resp, ok := s.responses[req.Method]
		s.mu.Unlock()
		if !ok {
			resp = Response{OK: true}
		}

		data, err := json.Marshal(resp)
		if err != nil {
			return
		}
		if _, err := conn.Write(append(data, '\n')); err != nil {
			return
		}
	}
}

func newTestLink(t *testing.T, socketPath string) *Link {
	t.Helper()
	l := New(Config{SocketPath: socketPath, ReconnectInterval: 10 * time.Millisecond}, zap.NewNop())
	require.NoError(t, l.connect(context.Background()))
	t.Cleanup(func() { l.Close() })
	return l
}

func TestCall_RoundTripsResultAndOK(t *testing.T) {
	server := newFakeDaemonServer(t)
	result, err := json.Marshal([]int{1, 2, 3})
	require.NoError(t, err)
	server.setResponse("getResourceOveruseConfigurations", Response{OK: true, Result: result})

	l := newTestLink(t, server.socketPath)

	var out []int
	err = l.call(context.Background(), "getResourceOveruseConfigurations", nil, &out)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3}, out)
}

func TestCall_TransportTooLargePropagatesUnchanged(t *testing.T) {
	server := newFakeDaemonServer(t)
	server.setResponse("updateResourceOveruseConfigurations", Response{OK: false, TransportTooLarge: true, Error: "payload too big"})

	l := newTestLink(t, server.socketPath)

	err := l.UpdateResourceOveruseConfigurations(context.Background(), nil)
	require.Error(t, err)
	require.True(t, werror.Is(err, werror.KindTransport))
}

func TestCall_RemoteErrorIsInternalNotTransport(t *testing.T) {
	server := newFakeDaemonServer(t)
	server.setResponse("updateResourceOveruseConfigurations", Response{OK: false, Error: "some remote failure"})

	l := newTestLink(t, server.socketPath)

	err := l.UpdateResourceOveruseConfigurations(context.Background(), nil)
	require.Error(t, err)
	require.False(t, werror.Is(err, werror.KindTransport))
}

func TestCall_SerializesConcurrentCallers(t *testing.T) {
	server := newFakeDaemonServer(t)
	l := newTestLink(t, server.socketPath)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.TellCarWatchdogServiceAlive(context.Background(), 1, []int32{1})
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Len(t, server.methodsSeen(), 8, "callMu must serialize concurrent calls instead of corrupting frames")
}

func TestIsConnected_ReflectsTeardown(t *testing.T) {
	server := newFakeDaemonServer(t)
	l := newTestLink(t, server.socketPath)

	connected, err := l.IsConnected(context.Background())
	require.NoError(t, err)
	require.True(t, connected)

	require.NoError(t, l.Close())
	connected, err = l.IsConnected(context.Background())
	require.NoError(t, err)
	require.False(t, connected)
}

func TestIsConnected_BlocksWhileConnectingThenSettles(t *testing.T) {
	l := New(Config{SocketPath: filepath.Join(t.TempDir(), "daemon.sock"), ReconnectInterval: 10 * time.Millisecond, ConnectedQueryTimeout: time.Second}, zap.NewNop())

	l.setConnecting(true)
	done := make(chan struct{})
	var connected bool
	var err error
	go func() {
		connected, err = l.IsConnected(context.Background())
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("IsConnected returned before the in-flight dial settled")
	case <-time.After(20 * time.Millisecond):
	}

	l.setConnecting(false)
	<-done
	require.NoError(t, err)
	require.False(t, connected)
}

func TestIsConnected_TimesOutWhileConnecting(t *testing.T) {
	l := New(Config{SocketPath: filepath.Join(t.TempDir(), "daemon.sock"), ReconnectInterval: 10 * time.Millisecond, ConnectedQueryTimeout: 20 * time.Millisecond}, zap.NewNop())
	l.setConnecting(true)
	t.Cleanup(func() { l.setConnecting(false) })

	_, err := l.IsConnected(context.Background())
	require.Error(t, err)
	require.True(t, werror.Is(err, werror.KindIllegalState))
}
