package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ROI is the region of interest as fractions of the frame, centre and size.
type ROI struct {
	CenterX float64 `json:"center_x"`
	CenterY float64 `json:"center_y"`
	Width   float64 `json:"width"`
	Height  float64 `json:"height"`
}

// RuntimeState is the operator-tunable state that survives restarts. It is
// changed only through the control channel.
type RuntimeState struct {
	LinePosition        float64 `json:"line_position_fraction"`
	Gap                 float64 `json:"gap_fraction"`
	ROI                 ROI     `json:"roi"`
	Orientation         string  `json:"orientation"` // "vertical" or "horizontal"
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	MinAreaFraction     float64 `json:"min_area_fraction"`
	DebugLowThreshold   bool    `json:"debug_low_threshold"`
}

// DefaultRuntimeState returns the state used when nothing has been saved yet.
func DefaultRuntimeState(cfg *Config) RuntimeState {
	return RuntimeState{
		LinePosition:        0.5,
		Gap:                 0.04,
		ROI:                 ROI{CenterX: 0.5, CenterY: 0.5, Width: 0.9, Height: 0.9},
		Orientation:         "vertical",
		ConfidenceThreshold: cfg.GetConfidenceThreshold(),
		MinAreaFraction:     cfg.GetMinAreaFraction(),
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Clamp forces every field into its usable range.
func (s *RuntimeState) Clamp() {
	s.LinePosition = clamp(s.LinePosition, 0.05, 0.95)
	s.Gap = clamp(s.Gap, 0, 0.5)
	s.ROI.Width = clamp(s.ROI.Width, 0.1, 1)
	s.ROI.Height = clamp(s.ROI.Height, 0.1, 1)
	s.ROI.CenterX = clamp(s.ROI.CenterX, s.ROI.Width/2, 1-s.ROI.Width/2)
	s.ROI.CenterY = clamp(s.ROI.CenterY, s.ROI.Height/2, 1-s.ROI.Height/2)
	s.ConfidenceThreshold = clamp(s.ConfidenceThreshold, 0, 1)
	s.MinAreaFraction = clamp(s.MinAreaFraction, 0, 1)
	if s.Orientation != "horizontal" {
		s.Orientation = "vertical"
	}
}

// LoadRuntimeState reads the saved state at path. A missing file yields the
// defaults; a corrupt file is an error so the operator notices.
func LoadRuntimeState(path string, cfg *Config) (RuntimeState, error) {
	st := DefaultRuntimeState(cfg)
	data, err := os.ReadFile(filepath.Clean(path))
	if errors.Is(err, fs.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("failed to read runtime state: %w", err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return DefaultRuntimeState(cfg), fmt.Errorf("failed to parse runtime state %s: %w", filepath.Base(path), err)
	}
	st.Clamp()
	return st, nil
}

// Save writes the state atomically: a temp file in the same directory is
// renamed over path.
func (s RuntimeState) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".runtime-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
