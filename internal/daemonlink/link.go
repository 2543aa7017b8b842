// Package daemonlink implements the Daemon Liaison (C6): a reconnecting
// Unix-domain-socket JSON-RPC client that stands in for the bidirectional
// connection to the external native watchdog daemon (a spec Non-goal,
// modeled here as an opaque peer). The wire protocol is newline-delimited
// JSON request/response, in the style this package is grounded on.
package daemonlink

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ioverseer/ioverseer/internal/model"
	"github.com/ioverseer/ioverseer/internal/werror"
)

// Request is one outbound call to the daemon.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the daemon's reply to a Request.
type Response struct {
	OK            bool            `json:"ok"`
	Error         string          `json:"error,omitempty"`
	TransportTooLarge bool        `json:"transport_too_large,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
}

// Config parameterizes reconnect timing.
type Config struct {
	SocketPath            string
	ReconnectInterval      time.Duration
	ImmediateRetries       int
	ConnectedQueryTimeout  time.Duration
}

// Link is the Daemon Liaison (C6). Exactly one connection attempt is
// in flight at a time; callers serialize RPCs through call().
type Link struct {
	cfg Config
	log *zap.Logger

	mu         sync.Mutex
	conn       net.Conn
	reader     *bufio.Reader
	connected  bool
	connecting bool          // true while Run has a dial attempt in flight
	disconnect chan struct{} // closed once when the current conn is torn down

	// stateChanged is closed and replaced every time connected or
	// connecting changes, letting IsConnected's bounded wait observe a
	// transition without polling. Always read/replaced with mu held.
	stateChanged chan struct{}

	// callMu serializes the write+read-response sequence in call() so
	// concurrent callers from arbitrary client threads (§5) never
	// interleave their request/response frames on the same connection.
	callMu sync.Mutex

	// reconnectLimiter paces dial attempts: a burst of cfg.ImmediateRetries+1
	// goes through back to back, then one attempt every ReconnectInterval.
	reconnectLimiter *rate.Limiter
}

// New constructs a disconnected Link. Run must be called to establish the
// connection.
func New(cfg Config, log *zap.Logger) *Link {
	burst := cfg.ImmediateRetries + 1
	if burst < 1 {
		burst = 1
	}
	interval := cfg.ReconnectInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Link{
		cfg:              cfg,
		log:              log,
		reconnectLimiter: rate.NewLimiter(rate.Every(interval), burst),
		stateChanged:     make(chan struct{}),
	}
}

// notifyStateChangeLocked wakes every IsConnected call currently waiting on
// a connecting->settled transition. Must be called with l.mu held.
func (l *Link) notifyStateChangeLocked() {
	close(l.stateChanged)
	l.stateChanged = make(chan struct{})
}

// setConnecting records whether a dial attempt is in flight and wakes any
// blocked IsConnected callers.
func (l *Link) setConnecting(v bool) {
	l.mu.Lock()
	l.connecting = v
	l.notifyStateChangeLocked()
	l.mu.Unlock()
}

// IsConnected reports whether the link currently holds a live socket. Per
// §5 "Cancellation and timeouts," a query that arrives while a dial attempt
// is in flight blocks for at most cfg.ConnectedQueryTimeout (default 3s)
// waiting for that attempt to settle; on expiry (or ctx cancellation) it
// raises IllegalState rather than guessing at a transient answer.
func (l *Link) IsConnected(ctx context.Context) (bool, error) {
	timeout := l.cfg.ConnectedQueryTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	deadline := time.Now().Add(timeout)

	for {
		l.mu.Lock()
		if !l.connecting {
			connected := l.connected
			l.mu.Unlock()
			return connected, nil
		}
		ch := l.stateChanged
		l.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, werror.New(werror.KindIllegalState, "daemonlink.IsConnected", "timed out waiting for daemon connection state")
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
			return false, werror.New(werror.KindIllegalState, "daemonlink.IsConnected", "timed out waiting for daemon connection state")
		case <-ctx.Done():
			timer.Stop()
			return false, werror.Wrap(werror.KindIllegalState, "daemonlink.IsConnected", ctx.Err())
		}
	}
}

// Run dials the daemon and keeps reconnecting on unsolicited disconnect
// until ctx is cancelled. On every successful connect it registers the
// service and pushes the current user-state snapshot, per §4.6. snapshot
// is invoked fresh on each reconnect so it always reflects current state.
func (l *Link) Run(ctx context.Context, snapshot func() []byte) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if err := l.reconnectLimiter.Wait(ctx); err != nil {
			return
		}
		l.setConnecting(true)
		err := l.connect(ctx)
		l.setConnecting(false)
		if err != nil {
			attempt++
			l.log.Warn("daemonlink: connect failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		attempt = 0

		if err := l.call(ctx, "registerCarWatchdogService", nil, nil); err != nil {
			l.log.Warn("daemonlink: register failed after connect", zap.Error(err))
		}
		if snapshot != nil {
			if err := l.call(ctx, "notifySystemStateChange", snapshot(), nil); err != nil {
				l.log.Warn("daemonlink: initial state snapshot push failed", zap.Error(err))
			}
		}

		l.waitForDisconnect(ctx)
	}
}

func (l *Link) connect(ctx context.Context) error {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "unix", l.cfg.SocketPath)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.conn = conn
	l.reader = bufio.NewReader(conn)
	l.connected = true
	l.disconnect = make(chan struct{})
	l.notifyStateChangeLocked()
	l.mu.Unlock()
	l.log.Info("daemonlink: connected", zap.String("socket", l.cfg.SocketPath))
	return nil
}

// waitForDisconnect blocks until the current connection is torn down —
// either by call() observing a transport error, by an explicit Close(), or
// by ctx cancellation — then returns so Run can reconnect. Unlike a
// separate background reader, this never competes with call() for bytes on
// the wire: the only reader of conn is call() itself.
func (l *Link) waitForDisconnect(ctx context.Context) {
	l.mu.Lock()
	disconnect := l.disconnect
	l.mu.Unlock()
	if disconnect == nil {
		return
	}

	select {
	case <-ctx.Done():
		_ = l.teardown()
	case <-disconnect:
	}
}

// teardown marks the link disconnected and closes the underlying
// connection, signalling any blocked waitForDisconnect exactly once.
func (l *Link) teardown() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected && l.conn == nil {
		return nil
	}
	l.connected = false
	l.notifyStateChangeLocked()
	var err error
	if l.conn != nil {
		err = l.conn.Close()
		l.conn = nil
	}
	l.reader = nil
	if l.disconnect != nil {
		select {
		case <-l.disconnect:
			// already closed
		default:
			close(l.disconnect)
		}
	}
	return err
}

// call sends one request and decodes its response. Every send is wrapped
// so a remote error is distinguishable from transport-too-large, which
// must propagate to the caller unchanged per §4.6.
func (l *Link) call(ctx context.Context, method string, params json.RawMessage, out interface{}) error {
	l.callMu.Lock()
	defer l.callMu.Unlock()

	l.mu.Lock()
	conn := l.conn
	reader := l.reader
	l.mu.Unlock()
	if conn == nil || reader == nil {
		return werror.New(werror.KindIllegalState, "daemonlink.call", "daemon is disconnected")
	}

	req := Request{Method: method, Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		return werror.Wrap(werror.KindInvalidArgument, "daemonlink.call", err)
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		_ = l.teardown()
		return werror.Wrap(werror.KindTransport, "daemonlink.call", err)
	}

	line, err := reader.ReadBytes('\n')
	if err != nil {
		_ = l.teardown()
		return werror.Wrap(werror.KindTransport, "daemonlink.call", err)
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return werror.Wrap(werror.KindTransport, "daemonlink.call", err)
	}
	if !resp.OK {
		if resp.TransportTooLarge {
			return werror.New(werror.KindTransport, "daemonlink.call", "transport too large: "+resp.Error)
		}
		return werror.New(werror.KindInternal, "daemonlink.call", resp.Error)
	}
	if out != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return werror.Wrap(werror.KindTransport, "daemonlink.call", err)
		}
	}
	return nil
}

// GetResourceOveruseConfigurations fetches the daemon's current
// configuration set.
func (l *Link) GetResourceOveruseConfigurations(ctx context.Context) ([]model.OveruseConfiguration, error) {
	var out []model.OveruseConfiguration
	if err := l.call(ctx, "getResourceOveruseConfigurations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateResourceOveruseConfigurations pushes a configuration batch.
func (l *Link) UpdateResourceOveruseConfigurations(ctx context.Context, configs []model.OveruseConfiguration) error {
	params, err := json.Marshal(configs)
	if err != nil {
		return werror.Wrap(werror.KindInvalidArgument, "daemonlink.UpdateResourceOveruseConfigurations", err)
	}
	return l.call(ctx, "updateResourceOveruseConfigurations", params, nil)
}

// ActionTakenOnResourceOveruse reports a batch of action records. Order
// within the batch is preserved (FIFO) by marshaling the slice as-is.
func (l *Link) ActionTakenOnResourceOveruse(ctx context.Context, actions []model.OveruseAction) error {
	params, err := json.Marshal(actions)
	if err != nil {
		return werror.Wrap(werror.KindInvalidArgument, "daemonlink.ActionTakenOnResourceOveruse", err)
	}
	return l.call(ctx, "actionTakenOnResourceOveruse", params, nil)
}

// TellCarWatchdogServiceAlive reports health-check non-responders for a
// session.
func (l *Link) TellCarWatchdogServiceAlive(ctx context.Context, sessionID uint32, pidsNotResponding []int32) error {
	params, err := json.Marshal(struct {
		SessionID         uint32  `json:"session_id"`
		PidsNotResponding []int32 `json:"pids_not_responding"`
	}{sessionID, pidsNotResponding})
	if err != nil {
		return werror.Wrap(werror.KindInvalidArgument, "daemonlink.TellCarWatchdogServiceAlive", err)
	}
	return l.call(ctx, "tellCarWatchdogServiceAlive", params, nil)
}

// NotifySystemStateChange forwards a power or user-lifecycle transition.
func (l *Link) NotifySystemStateChange(ctx context.Context, kind string, arg1, arg2 int32) error {
	params, err := json.Marshal(struct {
		Type string `json:"type"`
		Arg1 int32  `json:"arg1"`
		Arg2 int32  `json:"arg2"`
	}{kind, arg1, arg2})
	if err != nil {
		return werror.Wrap(werror.KindInvalidArgument, "daemonlink.NotifySystemStateChange", err)
	}
	return l.call(ctx, "notifySystemStateChange", params, nil)
}

// Close releases the underlying connection, if any, and wakes any blocked
// waitForDisconnect so Run exits its reconnect loop promptly on shutdown.
func (l *Link) Close() error {
	return l.teardown()
}
