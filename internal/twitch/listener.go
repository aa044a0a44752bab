package twitch

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"
)

// Listener owns the doorbell UDP socket. The socket is bound iff the gate
// reports true: no bridge running, no socket bound, no ingest.
type Listener struct {
	log    *slog.Logger
	ingest *Ingest
	addr   string
	gate   func() bool

	gatePollInterval time.Duration
	readTimeout      time.Duration
}

type ListenerOptions struct {
	Logger *slog.Logger
	Ingest *Ingest
	Addr   string
	// Gate reports whether the socket should be bound (app.sammi.running).
	Gate func() bool
}

func NewListener(opts ListenerOptions) (*Listener, error) {
	if opts.Ingest == nil {
		return nil, errors.New("missing Ingest")
	}
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		return nil, errors.New("missing Addr")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gate := opts.Gate
	if gate == nil {
		gate = func() bool { return true }
	}
	return &Listener{
		log:              logger,
		ingest:           opts.Ingest,
		addr:             addr,
		gate:             gate,
		gatePollInterval: 500 * time.Millisecond,
		readTimeout:      500 * time.Millisecond,
	}, nil
}

// Run drives the bind/unbind loop until the context is canceled. Bind
// transitions are serialized with the gate flips: the gate is re-checked before
// every read deadline renewal, and the socket closes as soon as it reports false.
func (l *Listener) Run(ctx context.Context) error {
	if l == nil {
		return nil
	}
	var conn net.PacketConn
	closeConn := func() {
		if conn != nil {
			_ = conn.Close()
			conn = nil
			l.log.Info("doorbell socket closed", "component", "twitch_udp", "addr", l.addr)
		}
	}
	defer closeConn()

	buf := make([]byte, 8192)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !l.gate() {
			closeConn()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(l.gatePollInterval):
			}
			continue
		}

		if conn == nil {
			c, err := net.ListenPacket("udp", l.addr)
			if err != nil {
				l.log.Warn("doorbell bind failed", "component", "twitch_udp", "addr", l.addr, "error", err)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(time.Second):
				}
				continue
			}
			conn = c
			l.log.Info("doorbell socket bound", "component", "twitch_udp", "addr", l.addr)
		}

		_ = conn.SetReadDeadline(time.Now().Add(l.readTimeout))
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			closeConn()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}
		if n <= 0 {
			continue
		}
		l.ingest.HandlePing(ctx, string(buf[:n]))
	}
}
