package can

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

const (
	// DemoRequestID is the functional broadcast address the simulated ECU answers.
	DemoRequestID = 0x7DF
	// DemoResponseID is the response address of the simulated engine ECU.
	DemoResponseID = 0x7E8
)

// Demo simulates an engine ECU answering OBD-II service 01 requests.
//
// Supported PIDs: 0x05 coolant, 0x0C RPM, 0x0D vehicle speed, 0x0F intake air
// temperature, 0x11 throttle position. Other PIDs get no answer, which looks
// like a timeout to the caller.
type Demo struct {
	*pump

	mu sync.Mutex
	t  float64 // virtual time accumulator

	// Override, when set, replaces the simulated value bytes for a PID.
	// Returning ok=false suppresses the response.
	Override func(pid byte) (value []byte, ok bool)
}

func NewDemo() *Demo {
	return &Demo{pump: newPump()}
}

func (d *Demo) Name() string { return "Demo (Simulated ECU)" }

// Send answers a service 01 request by queuing the response frame.
func (d *Demo) Send(ctx context.Context, f Frame) error {
	if d.closed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := f.Validate(); err != nil {
		return err
	}
	d.drain()

	if f.Extended || (f.ID != DemoRequestID && (f.ID < 0x7E0 || f.ID > 0x7E7)) {
		return nil
	}
	if f.Length < 3 || f.Data[1] != 0x01 {
		return nil
	}
	pid := f.Data[2]

	value, ok := d.respond(pid)
	if !ok {
		return nil
	}

	resp := Frame{ID: DemoResponseID, Length: MaxDataLength}
	resp.Data[0] = byte(2 + len(value))
	resp.Data[1] = 0x41
	resp.Data[2] = pid
	copy(resp.Data[3:], value)
	d.deliver(resp)
	return nil
}

func (d *Demo) Receive(ctx context.Context, timeout time.Duration) (Frame, bool, error) {
	return d.receive(ctx, timeout)
}

func (d *Demo) Close() error {
	d.pump.close()
	return nil
}

func (d *Demo) respond(pid byte) ([]byte, bool) {
	if d.Override != nil {
		return d.Override(pid)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.t += 0.05

	// Simulate RPM cycling between idle and revving
	rpm := 850.0 + 4000.0*math.Sin(d.t*0.3)*math.Sin(d.t*0.3) + rand.Float64()*50
	tps := (rpm - 850) / (8000 - 850) * 100
	tps = math.Max(0, math.Min(100, tps))

	switch pid {
	case 0x05: // coolant, A-40
		return []byte{byte(85 + rand.Intn(5) + 40)}, true
	case 0x0C: // RPM, (256A+B)/4
		raw := uint16(rpm * 4)
		return []byte{byte(raw >> 8), byte(raw)}, true
	case 0x0D: // km/h
		return []byte{byte(tps / 100 * 220)}, true
	case 0x0F: // IAT, A-40
		return []byte{byte(30 + rand.Intn(8) + 40)}, true
	case 0x11: // throttle, 100/255*A
		return []byte{byte(tps * 255 / 100)}, true
	default:
		return nil, false
	}
}
