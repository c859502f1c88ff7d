package transport

import (
	"context"
	"sync"
)

// Pipe is an in-memory Conn. The owning side calls Send and Close; the far
// side injects frames with Inject and ends the connection with Drop.
type Pipe struct {
	frames chan string

	mu      sync.Mutex
	sent    []string
	closed  bool
	closure Closure
}

func NewPipe() *Pipe {
	return &Pipe{frames: make(chan string, 64)}
}

func (p *Pipe) Frames() <-chan string { return p.frames }

func (p *Pipe) Send(frame string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.sent = append(p.sent, frame)
	return nil
}

func (p *Pipe) Close() error {
	p.end(Closure{Code: CloseNormal, Reason: "closed by client"})
	return nil
}

// Drop ends the connection from the far side.
func (p *Pipe) Drop(code int, reason string) {
	p.end(Closure{Code: code, Reason: reason})
}

func (p *Pipe) end(c Closure) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.closure = c
	close(p.frames)
}

// Inject delivers a frame as if the server had sent it. It reports false once
// the pipe is closed.
func (p *Pipe) Inject(frame string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.frames <- frame
	return true
}

func (p *Pipe) Closure() Closure {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closure
}

func (p *Pipe) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Sent returns a copy of every frame written so far.
func (p *Pipe) Sent() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sent...)
}

// TakeSent returns the frames written since the previous call.
func (p *Pipe) TakeSent() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.sent
	p.sent = nil
	return out
}

// PipeDialer hands out a fresh Pipe per Dial. Urls listed in Fail are refused.
type PipeDialer struct {
	mu    sync.Mutex
	Fail  map[string]error
	dials []string
	pipes []*Pipe
}

func (d *PipeDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, rawURL)
	if err, ok := d.Fail[rawURL]; ok {
		return nil, err
	}
	p := NewPipe()
	d.pipes = append(d.pipes, p)
	return p, nil
}

// Dials lists every url passed to Dial, failed ones included.
func (d *PipeDialer) Dials() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dials...)
}

// Last returns the most recently opened pipe.
func (d *PipeDialer) Last() *Pipe {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pipes) == 0 {
		return nil
	}
	return d.pipes[len(d.pipes)-1]
}

func (d *PipeDialer) Opened() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pipes)
}
