package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/valyala/fastjson"
	"go.uber.org/zap"
)

// ErrTimeout is reported when no relay announced itself in time.
var ErrTimeout = errors.New("no server discovered")

// ListenerConfig controls where the listener binds and whom it asks.
type ListenerConfig struct {
	// Port to bind for incoming beacons. Zero picks an ephemeral port,
	// which only works together with RequestTarget.
	Port int
	// RequestTarget, when set, receives one immediate-beacon request
	// ("host:port"). Empty means wait for the periodic broadcast.
	RequestTarget string
	// PruneAfter ages entries out of the seen list. Defaults to 10s.
	PruneAfter time.Duration
}

// Listener collects relay beacons from the subnet. Each distinct server
// (keyed by its websocket endpoint) is reported once until its entry ages
// out of the seen list.
type Listener struct {
	cfg ListenerConfig
	log *zap.SugaredLogger
}

func NewListener(cfg ListenerConfig, log *zap.SugaredLogger) *Listener {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.PruneAfter <= 0 {
		cfg.PruneAfter = 10 * time.Second
	}
	return &Listener{cfg: cfg, log: log}
}

// Run reads beacons until ctx is done, delivering first-seen servers on
// found. The socket is closed on every return path.
func (l *Listener) Run(ctx context.Context, found chan<- Descriptor) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: l.cfg.Port})
	if err != nil {
		return fmt.Errorf("open discovery socket: %w", err)
	}
	defer conn.Close()

	if l.cfg.RequestTarget != "" {
		if err := l.sendRequest(conn); err != nil {
			l.log.Debugw("discovery request failed", "error", err)
		}
	}

	var parser fastjson.Parser
	seen := make(map[string]time.Time)
	buf := make([]byte, maxDatagram)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			return fmt.Errorf("read beacon: %w", err)
		}

		desc, ok := parseBeacon(&parser, buf[:n])
		if !ok {
			continue
		}

		now := time.Now()
		for key, at := range seen {
			if now.Sub(at) > l.cfg.PruneAfter {
				delete(seen, key)
			}
		}
		if _, known := seen[desc.WSEndpoint]; known {
			seen[desc.WSEndpoint] = now
			continue
		}
		seen[desc.WSEndpoint] = now

		select {
		case found <- desc:
		default:
			l.log.Debugw("discovery result dropped", "wsEndpoint", desc.WSEndpoint)
		}
	}
}

// WaitForServer resolves with the first relay seen on the subnet, or
// ErrTimeout once the timeout elapses.
func (l *Listener) WaitForServer(ctx context.Context, timeout time.Duration) (Descriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	found := make(chan Descriptor, 1)
	errc := make(chan error, 1)
	go func() {
		errc <- l.Run(ctx, found)
	}()

	select {
	case desc := <-found:
		cancel()
		<-errc
		return desc, nil
	case err := <-errc:
		if ctx.Err() != nil {
			return Descriptor{}, ErrTimeout
		}
		return Descriptor{}, err
	case <-ctx.Done():
		<-errc
		return Descriptor{}, ErrTimeout
	}
}

func (l *Listener) sendRequest(conn *net.UDPConn) error {
	addr, err := net.ResolveUDPAddr("udp4", l.cfg.RequestTarget)
	if err != nil {
		return err
	}
	_, err = conn.WriteToUDP([]byte(RequestToken), addr)
	return err
}

// parseBeacon validates a datagram before accepting it as a descriptor.
// Anything without the service tag or a websocket endpoint is noise.
func parseBeacon(parser *fastjson.Parser, data []byte) (Descriptor, bool) {
	v, err := parser.ParseBytes(data)
	if err != nil || v.Type() != fastjson.TypeObject {
		return Descriptor{}, false
	}
	if string(v.GetStringBytes("service")) != ServiceName {
		return Descriptor{}, false
	}
	ws := string(v.GetStringBytes("wsEndpoint"))
	if ws == "" {
		return Descriptor{}, false
	}
	return Descriptor{
		Service:      ServiceName,
		Version:      string(v.GetStringBytes("version")),
		WSEndpoint:   ws,
		HTTPEndpoint: string(v.GetStringBytes("httpEndpoint")),
		ServerName:   string(v.GetStringBytes("serverName")),
		Timestamp:    string(v.GetStringBytes("timestamp")),
		ClientCount:  v.GetInt("clientCount"),
	}, true
}
