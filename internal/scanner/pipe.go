package scanner

import (
	"bytes"
	"io"
	"sync"
)

// PipePort is an in-memory Port. Lines passed to Inject are read back by
// the Mux as if a scanner had sent them; writes are captured.
type PipePort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu      sync.Mutex
	written bytes.Buffer
}

// NewPipePort creates a connected in-memory port.
func NewPipePort() *PipePort {
	r, w := io.Pipe()
	return &PipePort{r: r, w: w}
}

// Inject delivers line to the reader, appending a newline.
func (p *PipePort) Inject(line string) error {
	_, err := p.w.Write([]byte(line + "\n"))
	return err
}

func (p *PipePort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *PipePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

// Written returns everything written to the port.
func (p *PipePort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

// Close unblocks readers with io.EOF.
func (p *PipePort) Close() error {
	_ = p.w.Close()
	return p.r.Close()
}
