package can

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// SLCAN drives a serial-line CAN adapter (CANable, USBtin, Lawicel) using the
// ASCII SLCAN protocol.
type SLCAN struct {
	*pump

	portPath string
	port     serial.Port
	wmu      sync.Mutex
	log      logrus.FieldLogger

	closeOnce sync.Once
	closeErr  error
}

// SLCANConfig holds connection configuration for an SLCAN adapter.
type SLCANConfig struct {
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
	Bitrate  int    `yaml:"bitrate" json:"bitrate"` // CAN bitrate, e.g. 500000
}

const (
	slcanReadTimeout = 100 * time.Millisecond
	slcanSettleDelay = 50 * time.Millisecond
)

// slcanBitrates maps a CAN bitrate to the adapter's Sn setup command.
var slcanBitrates = map[int]byte{
	10000:   '0',
	20000:   '1',
	50000:   '2',
	100000:  '3',
	125000:  '4',
	250000:  '5',
	500000:  '6',
	800000:  '7',
	1000000: '8',
}

// OpenSLCAN opens the serial port, configures the bitrate and opens the CAN
// channel.
func OpenSLCAN(cfg SLCANConfig, log logrus.FieldLogger) (*SLCAN, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	if cfg.Bitrate == 0 {
		cfg.Bitrate = 500000
	}
	code, ok := slcanBitrates[cfg.Bitrate]
	if !ok {
		return nil, fmt.Errorf("slcan: unsupported bitrate %d", cfg.Bitrate)
	}

	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.PortPath, mode)
	if err != nil {
		return nil, fmt.Errorf("slcan: failed to open %s: %w", cfg.PortPath, err)
	}
	if err := port.SetReadTimeout(slcanReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("slcan: failed to set timeout: %w", err)
	}

	s := &SLCAN{
		pump:     newPump(),
		portPath: cfg.PortPath,
		port:     port,
		log:      log.WithField("component", "slcan"),
	}

	// Close any channel left open by a previous session, then set up.
	for _, cmd := range []string{"C\r", "S" + string(code) + "\r", "O\r"} {
		if err := s.write(cmd); err != nil {
			port.Close()
			return nil, fmt.Errorf("slcan: setup %q: %w", strings.TrimSpace(cmd), err)
		}
		time.Sleep(slcanSettleDelay)
	}
	if err := port.ResetInputBuffer(); err != nil {
		s.log.Warnf("reset input buffer: %v", err)
	}

	go s.readLoop()

	s.log.Infof("opened %s at %d baud, bus %d bit/s", cfg.PortPath, cfg.BaudRate, cfg.Bitrate)
	return s, nil
}

func (s *SLCAN) Name() string { return "SLCAN " + s.portPath }

func (s *SLCAN) write(cmd string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := s.port.Write([]byte(cmd))
	return err
}

func (s *SLCAN) readLoop() {
	buf := make([]byte, 256)
	var line []byte
	for {
		n, err := s.port.Read(buf)
		if s.closed() {
			return
		}
		if err != nil {
			s.log.Errorf("reader stopped: %v", err)
			s.fail(err)
			return
		}
		for _, b := range buf[:n] {
			switch b {
			case '\r', '\a':
				s.handleLine(string(line), b == '\a')
				line = line[:0]
			default:
				line = append(line, b)
			}
		}
	}
}

func (s *SLCAN) handleLine(line string, nack bool) {
	if nack {
		s.log.Warnf("adapter rejected command")
		return
	}
	if line == "" || line == "z" || line == "Z" {
		return
	}
	f, err := DecodeSLCAN(line)
	if err != nil {
		s.log.Debugf("ignoring line %q: %v", line, err)
		return
	}
	s.deliver(f)
}

// Send writes f as an SLCAN transmit command.
func (s *SLCAN) Send(ctx context.Context, f Frame) error {
	if s.closed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := f.Validate(); err != nil {
		return err
	}
	if n := s.drain(); n > 0 {
		s.log.Debugf("discarded %d stale frames", n)
	}
	if err := s.write(EncodeSLCAN(f)); err != nil {
		return fmt.Errorf("slcan: write failed: %w", err)
	}
	return nil
}

func (s *SLCAN) Receive(ctx context.Context, timeout time.Duration) (Frame, bool, error) {
	return s.receive(ctx, timeout)
}

// Close closes the CAN channel and the serial port. Safe to call more than once.
func (s *SLCAN) Close() error {
	s.closeOnce.Do(func() {
		s.pump.close()
		if err := s.write("C\r"); err != nil {
			s.log.Debugf("close channel: %v", err)
		}
		s.closeErr = s.port.Close()
		s.log.Infof("closed %s", s.portPath)
	})
	return s.closeErr
}

// EncodeSLCAN converts a frame into its SLCAN transmit command, including the
// trailing carriage return.
func EncodeSLCAN(f Frame) string {
	var b strings.Builder
	if f.Extended {
		b.WriteByte('T')
		fmt.Fprintf(&b, "%08X", f.ID&maxExtendedID)
	} else {
		b.WriteByte('t')
		fmt.Fprintf(&b, "%03X", f.ID&maxStandardID)
	}
	n := f.Length
	if n > MaxDataLength {
		n = MaxDataLength
	}
	b.WriteByte('0' + n)
	for i := uint8(0); i < n; i++ {
		fmt.Fprintf(&b, "%02X", f.Data[i])
	}
	b.WriteByte('\r')
	return b.String()
}

var errSLCANShort = errors.New("slcan: line too short")

// DecodeSLCAN parses one received SLCAN data frame line (without the
// carriage return). An optional 4-digit timestamp suffix is ignored.
func DecodeSLCAN(line string) (Frame, error) {
	if len(line) == 0 {
		return Frame{}, errSLCANShort
	}
	var f Frame
	idLen := 3
	switch line[0] {
	case 't':
	case 'T':
		f.Extended = true
		idLen = 8
	default:
		return Frame{}, fmt.Errorf("slcan: not a data frame: %q", line[0])
	}
	if len(line) < 1+idLen+1 {
		return Frame{}, errSLCANShort
	}

	id, err := strconv.ParseUint(line[1:1+idLen], 16, 32)
	if err != nil {
		return Frame{}, fmt.Errorf("slcan: bad id: %w", err)
	}
	f.ID = uint32(id)

	dlc := line[1+idLen]
	if dlc < '0' || dlc > '8' {
		return Frame{}, fmt.Errorf("slcan: bad length %q", dlc)
	}
	f.Length = dlc - '0'

	start := 2 + idLen
	end := start + int(f.Length)*2
	if len(line) < end {
		return Frame{}, errSLCANShort
	}
	if _, err := hex.Decode(f.Data[:f.Length], []byte(line[start:end])); err != nil {
		return Frame{}, fmt.Errorf("slcan: bad data: %w", err)
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}
