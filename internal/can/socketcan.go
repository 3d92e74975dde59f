package can

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	einride "go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"
)

// SocketCAN is a Linux SocketCAN backend (can0, vcan0, ...).
//
// Filtering is applied in user space on the reader goroutine, so the same
// filter semantics hold for every backend.
type SocketCAN struct {
	*pump

	channel string
	conn    net.Conn
	tx      *socketcan.Transmitter
	log     logrus.FieldLogger

	closeOnce sync.Once
	closeErr  error
}

// OpenSocketCAN dials the raw CAN socket for channel and starts reading.
func OpenSocketCAN(ctx context.Context, channel string, log logrus.FieldLogger) (*SocketCAN, error) {
	if channel == "" {
		return nil, fmt.Errorf("socketcan: channel required")
	}
	conn, err := socketcan.DialContext(ctx, "can", channel)
	if err != nil {
		return nil, fmt.Errorf("socketcan: failed to open %s: %w", channel, err)
	}
	s := &SocketCAN{
		pump:    newPump(),
		channel: channel,
		conn:    conn,
		tx:      socketcan.NewTransmitter(conn),
		log:     log.WithField("component", "socketcan"),
	}
	go s.readLoop()

	s.log.Infof("opened %s", channel)
	return s, nil
}

func (s *SocketCAN) Name() string { return "SocketCAN " + s.channel }

func (s *SocketCAN) readLoop() {
	rx := socketcan.NewReceiver(s.conn)
	for rx.Receive() {
		if rx.HasErrorFrame() {
			s.log.Debugf("error frame: %v", rx.ErrorFrame())
			continue
		}
		f := rx.Frame()
		s.deliver(Frame{
			ID:       f.ID,
			Length:   f.Length,
			Data:     f.Data,
			Extended: f.IsExtended,
		})
	}
	if s.closed() {
		return
	}
	if err := rx.Err(); err != nil {
		s.log.Errorf("reader stopped: %v", err)
		s.fail(err)
		return
	}
	s.fail(ErrClosed)
}

// Send transmits f. The call does not wait for a bus acknowledgement.
func (s *SocketCAN) Send(ctx context.Context, f Frame) error {
	if s.closed() {
		return ErrClosed
	}
	if err := f.Validate(); err != nil {
		return err
	}
	if n := s.drain(); n > 0 {
		s.log.Debugf("discarded %d stale frames", n)
	}
	err := s.tx.TransmitFrame(ctx, einride.Frame{
		ID:         f.ID,
		Length:     f.Length,
		Data:       f.Data,
		IsExtended: f.Extended,
	})
	if err != nil {
		return fmt.Errorf("socketcan: write failed: %w", err)
	}
	return nil
}

func (s *SocketCAN) Receive(ctx context.Context, timeout time.Duration) (Frame, bool, error) {
	return s.receive(ctx, timeout)
}

// Close shuts down the socket. Safe to call more than once.
func (s *SocketCAN) Close() error {
	s.closeOnce.Do(func() {
		s.pump.close()
		s.closeErr = s.conn.Close()
		s.log.Infof("closed %s", s.channel)
	})
	return s.closeErr
}
