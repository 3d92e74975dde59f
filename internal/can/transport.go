package can

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Transport is the interface that all bus backends must implement.
// SocketCAN and SLCAN adapters are the hardware implementations; Demo
// simulates an ECU for development and testing.
type Transport interface {
	// Name returns the human-readable name of this backend.
	Name() string
	// SetFilters replaces the receive filters. An empty list accepts all frames.
	SetFilters(filters []Filter) error
	// Send queues one frame for transmission. Frames still waiting to be
	// read are discarded first so a response can only follow its request.
	Send(ctx context.Context, f Frame) error
	// Receive waits up to timeout for the next frame passing the filters.
	// It returns ok=false when the timeout elapses with nothing received.
	Receive(ctx context.Context, timeout time.Duration) (f Frame, ok bool, err error)
	// Close releases the underlying device.
	Close() error
}

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("can: transport closed")

// Config holds bus connection configuration.
type Config struct {
	Kind     string `yaml:"kind" toml:"kind" json:"kind"`               // "socketcan", "slcan" or "demo"
	Channel  string `yaml:"channel" toml:"channel" json:"channel"`      // socketcan interface, e.g. can0
	PortPath string `yaml:"port_path" toml:"port_path" json:"portPath"` // slcan serial device
	BaudRate int    `yaml:"baud_rate" toml:"baud_rate" json:"baudRate"` // slcan serial speed
	Bitrate  int    `yaml:"bitrate" toml:"bitrate" json:"bitrate"`      // slcan bus bitrate
}

const (
	KindSocketCAN = "socketcan"
	KindSLCAN     = "slcan"
	KindDemo      = "demo"
)

// queueDepth bounds frames buffered between the reader goroutine and Receive.
const queueDepth = 256

// Open constructs the transport selected by cfg.Kind.
func Open(ctx context.Context, cfg Config, log logrus.FieldLogger) (Transport, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	switch cfg.Kind {
	case KindSocketCAN:
		return OpenSocketCAN(ctx, cfg.Channel, log)
	case KindSLCAN:
		return OpenSLCAN(SLCANConfig{
			PortPath: cfg.PortPath,
			BaudRate: cfg.BaudRate,
			Bitrate:  cfg.Bitrate,
		}, log)
	case KindDemo:
		return NewDemo(), nil
	default:
		return nil, fmt.Errorf("can: unknown transport kind %q", cfg.Kind)
	}
}

// pump carries frames from a backend's reader goroutine to Receive.
type pump struct {
	frames chan Frame
	done   chan struct{}

	mu      sync.RWMutex
	filters []Filter
	err     error

	closeOnce sync.Once
}

func newPump() *pump {
	return &pump{
		frames: make(chan Frame, queueDepth),
		done:   make(chan struct{}),
	}
}

func (p *pump) SetFilters(filters []Filter) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	cp := make([]Filter, len(filters))
	copy(cp, filters)
	p.mu.Lock()
	p.filters = cp
	p.mu.Unlock()
	return nil
}

// deliver queues f if it passes the filters. When the queue is full the
// frame is dropped and deliver returns false.
func (p *pump) deliver(f Frame) bool {
	p.mu.RLock()
	ok := matchAny(p.filters, f)
	p.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.frames <- f:
		return true
	default:
		return false
	}
}

// drain discards queued frames and returns how many were dropped.
func (p *pump) drain() int {
	n := 0
	for {
		select {
		case <-p.frames:
			n++
		default:
			return n
		}
	}
}

// fail stops the pump with a reader error.
func (p *pump) fail(err error) {
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.mu.Unlock()
	p.close()
}

func (p *pump) close() {
	p.closeOnce.Do(func() { close(p.done) })
}

func (p *pump) closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *pump) stopErr() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.err != nil {
		return fmt.Errorf("can: reader stopped: %w", p.err)
	}
	return ErrClosed
}

func (p *pump) receive(ctx context.Context, timeout time.Duration) (Frame, bool, error) {
	select {
	case f := <-p.frames:
		return f, true, nil
	default:
	}
	if timeout <= 0 {
		return Frame{}, false, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f := <-p.frames:
		return f, true, nil
	case <-timer.C:
		return Frame{}, false, nil
	case <-ctx.Done():
		return Frame{}, false, ctx.Err()
	case <-p.done:
		return Frame{}, false, p.stopErr()
	}
}
