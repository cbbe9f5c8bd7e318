// Package discovery lets clients find a running relay on the local subnet.
// The server broadcasts a small JSON descriptor over UDP; clients listen for
// it or ask for one explicitly.
package discovery

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// ServiceName tags every beacon so listeners can reject foreign traffic.
	ServiceName = "lanrelay"
	// RequestToken asked by a client wanting an immediate beacon.
	RequestToken = "LANRELAY_DISCOVERY_REQUEST"

	maxDatagram = 2048
)

// Descriptor is the beacon payload.
type Descriptor struct {
	Service      string `json:"service"`
	Version      string `json:"version"`
	WSEndpoint   string `json:"wsEndpoint"`
	HTTPEndpoint string `json:"httpEndpoint"`
	ServerName   string `json:"serverName"`
	Timestamp    string `json:"timestamp"`
	ClientCount  int    `json:"clientCount"`
}

// AnnouncerConfig is the static part of the descriptor plus timing.
type AnnouncerConfig struct {
	Port         int
	Interval     time.Duration
	Version      string
	WSEndpoint   string
	HTTPEndpoint string
	ServerName   string
}

// Announcer broadcasts the descriptor on a fixed period and answers explicit
// discovery requests directly to the requester.
type Announcer struct {
	cfg         AnnouncerConfig
	clientCount func() int
	log         *zap.SugaredLogger

	conn     *net.UDPConn
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewAnnouncer(cfg AnnouncerConfig, clientCount func() int, log *zap.SugaredLogger) *Announcer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Second
	}
	if clientCount == nil {
		clientCount = func() int { return 0 }
	}
	return &Announcer{
		cfg:         cfg,
		clientCount: clientCount,
		log:         log,
		done:        make(chan struct{}),
	}
}

// Start opens the socket and launches the broadcast and reply loops. The
// socket binds the discovery port itself so request datagrams sent to it are
// received; the first beacon goes out immediately, not one interval later.
func (a *Announcer) Start() error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: a.cfg.Port})
	if err != nil {
		return fmt.Errorf("open beacon socket: %w", err)
	}
	a.conn = conn

	a.wg.Add(2)
	go a.broadcastLoop()
	go a.replyLoop()
	return nil
}

// Addr is the socket's local address, nil before Start.
func (a *Announcer) Addr() *net.UDPAddr {
	if a.conn == nil {
		return nil
	}
	addr, _ := a.conn.LocalAddr().(*net.UDPAddr)
	return addr
}

// Stop shuts both loops down and closes the socket. Safe to call twice.
func (a *Announcer) Stop() {
	a.stopOnce.Do(func() {
		close(a.done)
		if a.conn != nil {
			_ = a.conn.Close()
		}
	})
	a.wg.Wait()
}

func (a *Announcer) broadcastLoop() {
	defer a.wg.Done()

	target := &net.UDPAddr{IP: net.IPv4bcast, Port: a.cfg.Port}
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	a.sendBeacon(target)
	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
			a.sendBeacon(target)
		}
	}
}

// replyLoop answers explicit requests so a late-joining client does not have
// to wait a full interval.
func (a *Announcer) replyLoop() {
	defer a.wg.Done()

	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := a.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-a.done:
				return
			default:
			}
			a.log.Debugw("beacon read failed", "error", err)
			return
		}
		if strings.TrimSpace(string(buf[:n])) == RequestToken {
			a.sendBeacon(addr)
		}
	}
}

func (a *Announcer) sendBeacon(addr *net.UDPAddr) {
	payload, err := json.Marshal(a.descriptor())
	if err != nil {
		return
	}
	if _, err := a.conn.WriteToUDP(payload, addr); err != nil {
		a.log.Debugw("beacon send failed", "target", addr.String(), "error", err)
	}
}

func (a *Announcer) descriptor() Descriptor {
	return Descriptor{
		Service:      ServiceName,
		Version:      a.cfg.Version,
		WSEndpoint:   a.cfg.WSEndpoint,
		HTTPEndpoint: a.cfg.HTTPEndpoint,
		ServerName:   a.cfg.ServerName,
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
		ClientCount:  a.clientCount(),
	}
}
