package obd

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/shaunagostinho/obd2-logger/internal/can"
	"github.com/shaunagostinho/obd2-logger/internal/catalog"
)

type fakeBus struct {
	sent    []can.Frame
	resp    []can.Frame
	sendErr error
	recvErr error
	recvs   int
}

func (f *fakeBus) Name() string                  { return "fake" }
func (f *fakeBus) SetFilters([]can.Filter) error { return nil }
func (f *fakeBus) Close() error                  { return nil }

func (f *fakeBus) Send(ctx context.Context, fr can.Frame) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, fr)
	return nil
}

func (f *fakeBus) Receive(ctx context.Context, timeout time.Duration) (can.Frame, bool, error) {
	f.recvs++
	if f.recvErr != nil {
		return can.Frame{}, false, f.recvErr
	}
	if len(f.resp) == 0 {
		return can.Frame{}, false, nil
	}
	fr := f.resp[0]
	f.resp = f.resp[1:]
	return fr, true, nil
}

func response(pid byte, value ...byte) can.Frame {
	f := can.Frame{ID: 0x7E8, Length: 8}
	f.Data[0] = byte(2 + len(value))
	f.Data[1] = PositiveResponse
	f.Data[2] = pid
	copy(f.Data[3:], value)
	return f
}

var (
	speedSig = &catalog.Descriptor{Name: "S01PID0D_VehicleSpeed", BitLength: 8, Scale: 1}
	rpmSig   = &catalog.Descriptor{Name: "S01PID0C_EngineRPM", BitLength: 16, Scale: 0.25}
)

func testCycle(t *testing.T) *Cycle {
	t.Helper()
	c, err := NewCycle([]Parameter{
		{Name: "S01PID0D_VehicleSpeed", PID: 0x0D, Signal: speedSig},
		{Name: "S01PID0C_EngineRPM", PID: 0x0C, Signal: rpmSig},
	}, CycleConfig{Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewCycle err=%v", err)
	}
	return c
}

func TestDecodeScenarios(t *testing.T) {
	v, err := Decode([]byte{0x32}, &catalog.Descriptor{BitLength: 8, Scale: 1, Offset: 0})
	if err != nil || v != 50.0 {
		t.Fatalf("Decode speed = %v, %v; want 50", v, err)
	}

	v, err = Decode([]byte{0x01, 0x90}, &catalog.Descriptor{BitLength: 16, Scale: 0.25, Offset: 0})
	if err != nil || v != 100.0 {
		t.Fatalf("Decode rpm = %v, %v; want 100", v, err)
	}

	v, err = Decode([]byte{0x7D}, &catalog.Descriptor{BitLength: 8, Scale: 1, Offset: -40})
	if err != nil || v != 85.0 {
		t.Fatalf("Decode coolant = %v, %v; want 85", v, err)
	}

	v, err = Decode([]byte{0x90, 0x01}, &catalog.Descriptor{BitLength: 16, Scale: 0.25, Order: catalog.LittleEndian})
	if err != nil || v != 100.0 {
		t.Fatalf("Decode little-endian = %v, %v; want 100", v, err)
	}
}

func TestDecodeLinear(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		nbytes := 1 + rng.Intn(4)
		raw := make([]byte, nbytes)
		var want uint64
		for j := range raw {
			raw[j] = byte(rng.Intn(256))
			want = want<<8 | uint64(raw[j])
		}
		d := &catalog.Descriptor{
			BitLength: uint64(nbytes * 8),
			Scale:     rng.Float64()*10 - 5,
			Offset:    rng.Float64()*200 - 100,
		}
		got, err := Decode(raw, d)
		if err != nil {
			t.Fatalf("Decode err=%v", err)
		}
		exp := float64(want)*d.Scale + d.Offset
		if math.Abs(got-exp) > 1e-9*math.Max(1, math.Abs(exp)) {
			t.Fatalf("Decode(% X) = %v, want %v", raw, got, exp)
		}
	}
}

func TestDecodeMalformed(t *testing.T) {
	for bits := uint64(8); bits <= 40; bits += 8 {
		d := &catalog.Descriptor{BitLength: bits, Scale: 1}
		for n := 0; n <= 6; n++ {
			if uint64(n*8) == bits {
				continue
			}
			if _, err := Decode(make([]byte, n), d); !errors.Is(err, ErrMalformedPayload) {
				t.Fatalf("Decode(%d bytes, %d bits) err=%v, want ErrMalformedPayload", n, bits, err)
			}
		}
	}
	if _, err := Decode([]byte{1}, &catalog.Descriptor{BitLength: 7}); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("Decode(7 bits) err=%v, want ErrMalformedPayload", err)
	}
}

func TestNewRequest(t *testing.T) {
	f := NewRequest(RequestID, 0x0C)
	want := [8]byte{0x02, 0x01, 0x0C, 0, 0, 0, 0, 0}
	if f.ID != 0x7DF || f.Extended || f.Length != 8 || f.Data != want {
		t.Fatalf("NewRequest = %v", f)
	}
}

func TestRequestAndCollect(t *testing.T) {
	c := testCycle(t)
	bus := &fakeBus{resp: []can.Frame{response(0x0C, 0x01, 0x90)}}

	raw, err := c.RequestAndCollect(context.Background(), bus, "S01PID0C_EngineRPM")
	if err != nil {
		t.Fatalf("RequestAndCollect err=%v", err)
	}
	if len(raw) != 2 || raw[0] != 0x01 || raw[1] != 0x90 {
		t.Fatalf("raw = % X", raw)
	}
	if len(bus.sent) != 1 || bus.sent[0].Data[2] != 0x0C || bus.sent[0].ID != RequestID {
		t.Fatalf("sent = %v", bus.sent)
	}
	if bus.recvs != 1 {
		t.Fatalf("recvs = %d, want 1", bus.recvs)
	}
}

func TestRequestAndCollectUnexpectedParameter(t *testing.T) {
	c := testCycle(t)
	bus := &fakeBus{resp: []can.Frame{response(0x0D, 0x32)}}

	_, err := c.RequestAndCollect(context.Background(), bus, "S01PID0C_EngineRPM")
	var upe *UnexpectedParameterError
	if !errors.As(err, &upe) {
		t.Fatalf("err=%v, want UnexpectedParameterError", err)
	}
	if upe.Got != 0x0D || upe.Want != 0x0C {
		t.Fatalf("err=%+v", upe)
	}
}

func TestRequestAndCollectNoResponse(t *testing.T) {
	c := testCycle(t)
	bus := &fakeBus{}

	_, err := c.RequestAndCollect(context.Background(), bus, "S01PID0D_VehicleSpeed")
	if !errors.Is(err, ErrNoResponse) {
		t.Fatalf("err=%v, want ErrNoResponse", err)
	}
	if len(bus.sent) != 1 || bus.recvs != 1 {
		t.Fatalf("sent=%d recvs=%d, want 1/1", len(bus.sent), bus.recvs)
	}
}

func TestRequestAndCollectTimeoutBound(t *testing.T) {
	c := testCycle(t)
	demo := can.NewDemo()
	defer demo.Close()
	demo.Override = func(byte) ([]byte, bool) { return nil, false }

	start := time.Now()
	_, err := c.RequestAndCollect(context.Background(), demo, "S01PID0D_VehicleSpeed")
	elapsed := time.Since(start)
	if !errors.Is(err, ErrNoResponse) {
		t.Fatalf("err=%v, want ErrNoResponse", err)
	}
	if elapsed > c.Timeout()+500*time.Millisecond {
		t.Fatalf("took %v with timeout %v", elapsed, c.Timeout())
	}
}

func TestRequestAndCollectNegativeResponse(t *testing.T) {
	c := testCycle(t)
	neg := can.Frame{ID: 0x7E8, Length: 8, Data: [8]byte{0x03, NegativeResponse, 0x01, 0x12}}
	bus := &fakeBus{resp: []can.Frame{neg}}

	_, err := c.RequestAndCollect(context.Background(), bus, "S01PID0D_VehicleSpeed")
	var use *UnexpectedServiceError
	if !errors.As(err, &use) || use.Got != NegativeResponse {
		t.Fatalf("err=%v, want negative response", err)
	}
}

func TestRequestAndCollectShortFrame(t *testing.T) {
	c := testCycle(t)
	short := can.Frame{ID: 0x7E8, Length: 4, Data: [8]byte{0x03, PositiveResponse, 0x0C, 0x01}}
	bus := &fakeBus{resp: []can.Frame{short}}

	_, err := c.RequestAndCollect(context.Background(), bus, "S01PID0C_EngineRPM")
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("err=%v, want ErrMalformedPayload", err)
	}
}

func TestRequestAndCollectTransportErrors(t *testing.T) {
	c := testCycle(t)
	boom := errors.New("boom")

	_, err := c.RequestAndCollect(context.Background(), &fakeBus{sendErr: boom}, "S01PID0D_VehicleSpeed")
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "send" || !errors.Is(err, boom) {
		t.Fatalf("err=%v, want send TransportError", err)
	}
	if !Recoverable(err) {
		t.Fatalf("send failure should be recoverable")
	}

	_, err = c.RequestAndCollect(context.Background(), &fakeBus{recvErr: context.Canceled}, "S01PID0D_VehicleSpeed")
	if !errors.As(err, &te) || te.Op != "receive" {
		t.Fatalf("err=%v, want receive TransportError", err)
	}
	if Recoverable(err) {
		t.Fatalf("cancellation should not be recoverable")
	}
}

func TestRequestAndCollectUnknown(t *testing.T) {
	c := testCycle(t)
	bus := &fakeBus{}
	if _, err := c.RequestAndCollect(context.Background(), bus, "S01PID11_ThrottlePosition"); !errors.Is(err, ErrUnknownParameter) {
		t.Fatalf("err=%v, want ErrUnknownParameter", err)
	}
	if len(bus.sent) != 0 {
		t.Fatalf("unknown parameter must not send")
	}
}

func TestBind(t *testing.T) {
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog.Default err=%v", err)
	}

	params, err := Bind(DefaultTable, cat)
	if err != nil {
		t.Fatalf("Bind err=%v", err)
	}
	if len(params) != 3 || params[0].Name != "S01PID0D_VehicleSpeed" || params[1].PID != 0x0C {
		t.Fatalf("params = %+v", params)
	}
	if params[1].Signal.BitLength != 16 {
		t.Fatalf("rpm signal = %+v", params[1].Signal)
	}

	if _, err := Bind([]Entry{{Name: "Nope", PID: 0x01}}, cat); !errors.Is(err, ErrUnknownParameter) {
		t.Fatalf("Bind unknown err=%v", err)
	}
	if _, err := Bind([]Entry{
		{Name: "S01PID0D_VehicleSpeed", PID: 0x0D},
		{Name: "S01PID0C_EngineRPM", PID: 0x0D},
	}, cat); err == nil {
		t.Fatalf("expected duplicate PID error")
	}
	if _, err := Bind(nil, cat); err == nil {
		t.Fatalf("expected error for empty table")
	}
}

func TestNewCycleRejectsWideSignal(t *testing.T) {
	wide := &catalog.Descriptor{Name: "Wide", BitLength: 48, Scale: 1}
	if _, err := NewCycle([]Parameter{{Name: "Wide", PID: 0x01, Signal: wide}}, CycleConfig{}); err == nil {
		t.Fatalf("expected error for 48-bit signal")
	}
}
