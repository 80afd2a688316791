package capture

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/crossing.report/internal/crossing"
	"github.com/banshee-data/crossing.report/internal/monitoring"
)

// UDPSocket is the subset of *net.UDPConn the UDP source uses.
type UDPSocket interface {
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)
	SetReadBuffer(bytes int) error
	SetReadDeadline(t time.Time) error
	Close() error
	LocalAddr() net.Addr
}

// UDPSocketFactory creates sockets, so tests can inject a mock.
type UDPSocketFactory interface {
	ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error)
}

// RealUDPSocketFactory implements UDPSocketFactory using net.ListenUDP.
type RealUDPSocketFactory struct{}

// ListenUDP creates a new UDP socket.
func (RealUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

const (
	udpPollInterval = 100 * time.Millisecond
	udpBufferSize   = 64 * 1024
	udpRcvBuf       = 1 << 20
)

// UDPSourceConfig configures a UDPSource.
type UDPSourceConfig struct {
	Address     string
	ReadTimeout time.Duration
	Factory     UDPSocketFactory
}

// UDPSource receives one JSON frame per datagram.
type UDPSource struct {
	address     string
	readTimeout time.Duration
	factory     UDPSocketFactory
	logf        monitoring.Logger

	mu   sync.Mutex
	sock UDPSocket
	buf  []byte
}

// NewUDPSource creates a UDP source. Nothing is bound until Open.
func NewUDPSource(cfg UDPSourceConfig) *UDPSource {
	factory := cfg.Factory
	if factory == nil {
		factory = RealUDPSocketFactory{}
	}
	return &UDPSource{
		address:     cfg.Address,
		readTimeout: cfg.ReadTimeout,
		factory:     factory,
		logf:        monitoring.Component("capture"),
		buf:         make([]byte, udpBufferSize),
	}
}

func (s *UDPSource) Name() string { return "udp " + s.address }

// Open binds the listening socket.
func (s *UDPSource) Open(_ context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", s.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	sock, err := s.factory.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	if err := sock.SetReadBuffer(udpRcvBuf); err != nil {
		s.logf("Warning: failed to set UDP receive buffer size to %d: %v", udpRcvBuf, err)
	}
	s.mu.Lock()
	s.sock = sock
	s.mu.Unlock()
	s.logf("UDP listener started on %s", sock.LocalAddr())
	return nil
}

// Addr returns the bound address, or nil before Open.
func (s *UDPSource) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sock == nil {
		return nil
	}
	return s.sock.LocalAddr()
}

// Read returns the next decoded datagram.
func (s *UDPSource) Read(ctx context.Context) (crossing.Frame, error) {
	s.mu.Lock()
	sock := s.sock
	s.mu.Unlock()
	if sock == nil {
		return crossing.Frame{}, ErrSourceClosed
	}

	start := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return crossing.Frame{}, err
		}
		// Short deadlines let the loop observe ctx.
		_ = sock.SetReadDeadline(time.Now().Add(udpPollInterval))
		n, _, err := sock.ReadFromUDP(s.buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if time.Since(start) >= s.readTimeout {
					return crossing.Frame{}, ErrNoData
				}
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return crossing.Frame{}, ErrSourceClosed
			}
			return crossing.Frame{}, fmt.Errorf("UDP read: %w", err)
		}
		return DecodeFrame(s.buf[:n])
	}
}

// Close closes the socket.
func (s *UDPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sock == nil {
		return nil
	}
	err := s.sock.Close()
	s.sock = nil
	return err
}
