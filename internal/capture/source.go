// Package capture produces detection frames from the vision subsystem and
// keeps that feed alive: a bounded drop-oldest frame queue, a reconnect
// supervisor and a watchdog that escalates to a process restart.
package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/banshee-data/crossing.report/internal/config"
	"github.com/banshee-data/crossing.report/internal/crossing"
)

var (
	// ErrSourceClosed is returned by Read once the source can produce no
	// more frames without being reopened.
	ErrSourceClosed = errors.New("capture source closed")
	// ErrNoData is returned by Read when no frame arrived within the read
	// timeout. It is silence, not a failure.
	ErrNoData = errors.New("no frame before read timeout")
	// ErrMalformed is returned by Read for a message that arrived but could
	// not be decoded. The feed itself is healthy.
	ErrMalformed = errors.New("malformed detection message")
)

// Source is an upstream feed of detection frames.
type Source interface {
	// Name identifies the source in logs.
	Name() string
	// Open acquires the underlying resource. It may be called again after
	// Close to reconnect.
	Open(ctx context.Context) error
	// Read blocks until a frame arrives, the read timeout elapses (ErrNoData)
	// or ctx is done.
	Read(ctx context.Context) (crossing.Frame, error)
	// Close releases the underlying resource.
	Close() error
}

// DecodeFrame parses one JSON detection message.
func DecodeFrame(data []byte) (crossing.Frame, error) {
	var f crossing.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return crossing.Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return f, nil
}

// SourceFromConfig builds the configured capture source.
func SourceFromConfig(cfg *config.Config) (Source, error) {
	switch cfg.GetCaptureSource() {
	case "udp":
		return NewUDPSource(UDPSourceConfig{
			Address:     cfg.GetCaptureAddress(),
			ReadTimeout: cfg.GetReadTimeout(),
		}), nil
	case "pcap":
		if cfg.GetPCAPFile() == "" {
			return nil, errors.New("capture_source \"pcap\" requires pcap_file")
		}
		return NewPCAPSource(PCAPSourceConfig{
			Path:  cfg.GetPCAPFile(),
			Port:  cfg.GetPCAPPort(),
			Paced: true,
		}), nil
	}
	return nil, fmt.Errorf("unknown capture source %q", cfg.GetCaptureSource())
}
