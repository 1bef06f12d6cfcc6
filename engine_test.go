package modbus

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

// scriptedTransport answers each written request from a script function,
// delivering the scripted bytes straight into the inbound buffer.
type scriptedTransport struct {
	mu      sync.Mutex
	buf     *InboundBuffer
	respond func(request []byte) []byte
	writes  [][]byte
	closed  bool
}

func newScriptedTransport(respond func(request []byte) []byte) *scriptedTransport {
	return &scriptedTransport{
		buf:     NewInboundBuffer(),
		respond: respond,
	}
}

func (t *scriptedTransport) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	request := append([]byte(nil), p...)
	t.writes = append(t.writes, request)
	if t.respond != nil {
		if response := t.respond(request); response != nil {
			t.buf.Append(response)
		}
	}
	return len(p), nil
}

func (t *scriptedTransport) Buffer() *InboundBuffer { return t.buf }
func (t *scriptedTransport) Flush()                 { t.buf.Flush() }
func (t *scriptedTransport) Restarts() uint64       { return 0 }

func (t *scriptedTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func newTestEngine(respond func(request []byte) []byte) (*Engine, *scriptedTransport) {
	transport := newScriptedTransport(respond)
	cfg := &Config{Address: 0x01, ResponseAddress: -1, BaudRate: 9600}
	engine := NewEngineWithTransport(cfg, transport, nil, io.Discard)
	return engine, transport
}

func TestEngineReadRegister(t *testing.T) {
	engine, transport := newTestEngine(func(request []byte) []byte {
		return AppendCRC([]byte{0x01, 0x03, 0x02, 0x12, 0x34})
	})

	var gotRegister, gotValue string
	engine.sink = func(register, value string, kind RegisterKind, isText bool) bool {
		gotRegister, gotValue = register, value
		return true
	}

	value, err := engine.ReadRegister(KindHolding, 0x0010, 1, nil)
	assertNoError(t, err)
	assertStringEqual(t, "1234", value)
	assertStringEqual(t, "0010", gotRegister)
	assertStringEqual(t, "1234", gotValue)

	request := transport.writes[0]
	assertBytesEqual(t, AppendCRC([]byte{0x01, 0x03, 0x00, 0x10, 0x00, 0x01}), request)

	snap := engine.Stats()
	if snap.TxPackets != 1 || snap.RxPackets != 1 {
		t.Errorf("tx %d rx %d, want 1/1", snap.TxPackets, snap.RxPackets)
	}
}

func TestEngineReadRegisterFC4(t *testing.T) {
	engine, _ := newTestEngine(func(request []byte) []byte {
		if request[offFunction] != FuncReadInputRegs {
			return nil
		}
		return AppendCRC([]byte{0x01, 0x04, 0x02, 0x00, 0x7B})
	})
	engine.useFC4 = true
	engine.timeout = 100 * time.Millisecond

	value, err := engine.ReadRegister(KindHolding, 0x0005, 1, &ReadOptions{SkipUpdate: true})
	assertNoError(t, err)
	assertStringEqual(t, "007b", value)
}

func TestEngineReadTimeout(t *testing.T) {
	engine, transport := newTestEngine(nil)
	engine.timeout = 50 * time.Millisecond

	_, err := engine.ReadRegister(KindHolding, 0x0010, 1, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err %v, want ErrTimeout", err)
	}
	if got := engine.Stats().Timeouts; got != 1 {
		t.Errorf("Timeouts = %d, want 1", got)
	}
	if transport.buf.Len() != 0 {
		t.Error("buffer not flushed after timeout")
	}
}

func TestEngineTimeoutFlushesPartialFrame(t *testing.T) {
	full := AppendCRC([]byte{0x01, 0x03, 0x02, 0x12, 0x34})
	engine, transport := newTestEngine(func(request []byte) []byte {
		return full[:3]
	})
	engine.timeout = 50 * time.Millisecond

	_, err := engine.ReadRegister(KindHolding, 0x0010, 1, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err %v, want ErrTimeout", err)
	}
	if transport.buf.Len() != 0 {
		t.Error("partial frame must be flushed on timeout")
	}
}

func TestEngineExceptionResponse(t *testing.T) {
	engine, _ := newTestEngine(func(request []byte) []byte {
		return AppendCRC([]byte{0x01, 0x83, 0x02})
	})

	_, err := engine.ReadRegister(KindHolding, 0x0010, 1, nil)
	var exc *ExceptionError
	if !errors.As(err, &exc) {
		t.Fatalf("err %v, want ExceptionError", err)
	}
	if exc.ExceptionCode != ExcepIllegalAddress {
		t.Errorf("code %02x, want Illegal Data Address", exc.ExceptionCode)
	}
	snap := engine.Stats()
	if snap.Exceptions != 1 || snap.ExceptionByCode[ExcepIllegalAddress] != 1 {
		t.Errorf("exception counters %v, want one for code 02", snap.ExceptionByCode)
	}
}

func TestEngineWriteRegister(t *testing.T) {
	engine, transport := newTestEngine(func(request []byte) []byte {
		// Single writes echo the request verbatim.
		return request
	})

	err := engine.WriteRegister(KindHolding, 0x0010, 1, []byte{0x12, 0x34}, true)
	assertNoError(t, err)
	assertBytesEqual(t, AppendCRC([]byte{0x01, 0x06, 0x00, 0x10, 0x12, 0x34}), transport.writes[0])
}

func TestEngineWriteMultipleRegisters(t *testing.T) {
	engine, _ := newTestEngine(func(request []byte) []byte {
		return AppendCRC([]byte{0x01, 0x10, request[2], request[3], request[4], request[5]})
	})

	err := engine.WriteRegister(KindHolding, 0x0100, 2, []byte{0x11, 0x22, 0x33, 0x44}, false)
	assertNoError(t, err)
}

func TestEngineWriteCoil(t *testing.T) {
	engine, transport := newTestEngine(func(request []byte) []byte {
		return request
	})

	err := engine.WriteRegister(KindCoil, 0x0003, 1, []byte{0x00, 0x01}, true)
	assertNoError(t, err)
	assertBytesEqual(t, AppendCRC([]byte{0x01, 0x05, 0x00, 0x03, 0xFF, 0x00}), transport.writes[0])
}

func TestEngineWriteInputRejected(t *testing.T) {
	engine, transport := newTestEngine(nil)
	err := engine.WriteRegister(KindInput, 0x0001, 1, []byte{0x00, 0x01}, true)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err %v, want ValidationError", err)
	}
	if len(transport.writes) != 0 {
		t.Error("nothing should reach the wire for an unwritable kind")
	}
}

func TestEngineReadFileRecord(t *testing.T) {
	payload := []byte{0x00, 0x2A, 0x00, 0x2B}
	engine, _ := newTestEngine(func(request []byte) []byte {
		subLen := byte(len(payload) + 1)
		return AppendCRC(append([]byte{0x01, 0x14, subLen + 1, subLen, 0x06}, payload...))
	})

	value, err := engine.ReadFileRecord(1, 0x0002, 2, &ReadOptions{SkipUpdate: true})
	assertNoError(t, err)
	assertStringEqual(t, "002a002b", value)
}

func TestEngineStaleBufferFlushed(t *testing.T) {
	engine, transport := newTestEngine(func(request []byte) []byte {
		return AppendCRC([]byte{0x01, 0x03, 0x02, 0x12, 0x34})
	})
	// Leftover bytes from a timed-out exchange.
	transport.buf.Append([]byte{0xDE, 0xAD})

	value, err := engine.ReadRegister(KindHolding, 0x0010, 1, &ReadOptions{SkipUpdate: true})
	assertNoError(t, err)
	assertStringEqual(t, "1234", value)
	if got := engine.Stats().UnexpectedData; got != 1 {
		t.Errorf("UnexpectedData = %d, want 1", got)
	}
}

func TestEngineSingleFlight(t *testing.T) {
	engine, _ := newTestEngine(func(request []byte) []byte {
		register := uint16(request[offRegHi])<<8 | uint16(request[offRegLo])
		return AppendCRC([]byte{0x01, 0x03, 0x02, byte(register >> 8), byte(register)})
	})
	engine.timeout = time.Second

	const workers = 8
	const reads = 5
	var wg sync.WaitGroup
	errs := make(chan error, workers*reads)
	for w := 0; w < workers; w++ {
		register := uint16(0x0100 + w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < reads; i++ {
				value, err := engine.ReadRegister(KindHolding, register, 1, &ReadOptions{SkipUpdate: true})
				if err != nil {
					errs <- err
					continue
				}
				if want := hexValue(register); value != want {
					errs <- errors.New("read " + value + ", want " + want)
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	// Exclusive transactions never find stale bytes from a neighbor.
	snap := engine.Stats()
	if snap.UnexpectedData != 0 {
		t.Errorf("UnexpectedData = %d, want 0", snap.UnexpectedData)
	}
	if snap.TxPackets != workers*reads || snap.RxPackets != workers*reads {
		t.Errorf("tx %d rx %d, want %d each", snap.TxPackets, snap.RxPackets, workers*reads)
	}
}

func hexValue(register uint16) string {
	const digits = "0123456789abcdef"
	return string([]byte{
		digits[register>>12&0xF], digits[register>>8&0xF],
		digits[register>>4&0xF], digits[register&0xF],
	})
}

func TestEngineClose(t *testing.T) {
	engine, transport := newTestEngine(nil)
	assertNoError(t, engine.Close())
	if !transport.closed {
		t.Error("transport not closed")
	}
	if !engine.IsStopping() {
		t.Error("IsStopping must report true after Close")
	}

	_, err := engine.ReadRegister(KindHolding, 0x0010, 1, nil)
	if !errors.Is(err, ErrStopping) {
		t.Errorf("err %v, want ErrStopping", err)
	}
}

func TestEngineResetStats(t *testing.T) {
	engine, _ := newTestEngine(func(request []byte) []byte {
		return AppendCRC([]byte{0x01, 0x03, 0x02, 0x12, 0x34})
	})
	_, err := engine.ReadRegister(KindHolding, 0x0010, 1, &ReadOptions{SkipUpdate: true})
	assertNoError(t, err)

	engine.ResetStats()
	snap := engine.Stats()
	if snap.TxPackets != 0 || snap.RxPackets != 0 {
		t.Errorf("tx %d rx %d after reset, want 0/0", snap.TxPackets, snap.RxPackets)
	}
}

func TestTransactionTimeoutBudget(t *testing.T) {
	serial := transactionTimeout(9600, 0, false)
	if serial <= timeoutSafetyMargin || serial >= timeoutSafetyMargin+time.Second {
		t.Errorf("serial budget %v outside the expected band", serial)
	}

	tcp := transactionTimeout(9600, 0, true)
	if tcp != serial+timeoutTCPMargin {
		t.Errorf("tcp budget %v, want serial plus %v", tcp, timeoutTCPMargin)
	}

	extra := transactionTimeout(9600, time.Second, false)
	if extra != serial+time.Second {
		t.Errorf("additional allowance not applied: %v", extra)
	}
}
