package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/crossing.report/internal/crossing"
	"github.com/banshee-data/crossing.report/internal/monitoring"
	"github.com/banshee-data/crossing.report/internal/timeutil"
)

// maxReplayGap caps the pause between two replayed packets so a capture
// with a long idle stretch does not stall the replay.
const maxReplayGap = 5 * time.Second

// PCAPSourceConfig configures a PCAPSource.
type PCAPSourceConfig struct {
	Path  string
	Port  int  // UDP destination port carrying detection datagrams
	Paced bool // replay with the original inter-packet timing
	Clock timeutil.Clock
}

// PCAPSource replays detection datagrams from a recorded capture file.
// Reaching the end of the file closes the source; reopening it restarts
// the replay.
type PCAPSource struct {
	cfg   PCAPSourceConfig
	clock timeutil.Clock
	logf  monitoring.Logger

	mu      sync.Mutex
	file    *os.File
	reader  *pcapgo.Reader
	prevTS  time.Time
	packets int
}

// NewPCAPSource creates a replay source. The file is opened by Open.
func NewPCAPSource(cfg PCAPSourceConfig) *PCAPSource {
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &PCAPSource{cfg: cfg, clock: clock, logf: monitoring.Component("capture")}
}

func (s *PCAPSource) Name() string { return "pcap " + s.cfg.Path }

// Open opens the capture file and reads its header.
func (s *PCAPSource) Open(_ context.Context) error {
	f, err := os.Open(s.cfg.Path)
	if err != nil {
		return fmt.Errorf("failed to open PCAP file %s: %w", s.cfg.Path, err)
	}
	r, err := pcapgo.NewReader(bufio.NewReader(f))
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to read PCAP header: %w", err)
	}
	s.mu.Lock()
	s.file, s.reader = f, r
	s.prevTS = time.Time{}
	s.packets = 0
	s.mu.Unlock()
	s.logf("PCAP replay of %s started (udp port %d, link %s)", s.cfg.Path, s.cfg.Port, r.LinkType())
	return nil
}

// Read returns the next detection frame in the capture.
func (s *PCAPSource) Read(ctx context.Context) (crossing.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reader == nil {
		return crossing.Frame{}, ErrSourceClosed
	}

	for {
		if err := ctx.Err(); err != nil {
			return crossing.Frame{}, err
		}
		data, ci, err := s.reader.ReadPacketData()
		if errors.Is(err, io.EOF) {
			s.logf("PCAP replay complete: %d packets", s.packets)
			return crossing.Frame{}, fmt.Errorf("%w: end of capture", ErrSourceClosed)
		}
		if err != nil {
			return crossing.Frame{}, fmt.Errorf("PCAP read: %w", err)
		}
		s.packets++

		payload, ok := udpPayload(data, s.reader.LinkType(), s.cfg.Port)
		if !ok {
			continue
		}
		if err := s.pace(ctx, ci.Timestamp); err != nil {
			return crossing.Frame{}, err
		}
		return DecodeFrame(payload)
	}
}

func (s *PCAPSource) pace(ctx context.Context, ts time.Time) error {
	prev := s.prevTS
	s.prevTS = ts
	if !s.cfg.Paced || prev.IsZero() {
		return nil
	}
	gap := ts.Sub(prev)
	if gap <= 0 {
		return nil
	}
	gap = min(gap, maxReplayGap)
	select {
	case <-s.clock.After(gap):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// udpPayload extracts the payload of a UDP packet sent to port. A zero port
// accepts any UDP packet.
func udpPayload(data []byte, link layers.LinkType, port int) ([]byte, bool) {
	pkt := gopacket.NewPacket(data, link, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	udpLayer := pkt.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return nil, false
	}
	udp, ok := udpLayer.(*layers.UDP)
	if !ok {
		return nil, false
	}
	if port != 0 && int(udp.DstPort) != port {
		return nil, false
	}
	if len(udp.Payload) == 0 {
		return nil, false
	}
	return udp.Payload, true
}

// Close closes the capture file.
func (s *PCAPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file, s.reader = nil, nil
	return err
}
