package modbus

import (
	"errors"
	"io"
	"testing"
)

func newTestCodec(tcp bool) *FrameCodec {
	return NewFrameCodec(0x01, -1, tcp, NewStats(), io.Discard)
}

func TestBuildReadRequestExactBytes(t *testing.T) {
	codec := newTestCodec(false)
	frame, err := codec.BuildReadRequest(FuncReadHoldingRegs, 0x0000, 1)
	assertNoError(t, err)
	assertBytesEqual(t, []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01, 0x84, 0x0A}, frame)
}

func TestBuildReadRequestFunctions(t *testing.T) {
	codec := newTestCodec(false)
	for _, function := range []byte{FuncReadCoils, FuncReadHoldingRegs, FuncReadInputRegs} {
		frame, err := codec.BuildReadRequest(function, 0x0102, 4)
		assertNoError(t, err)
		if len(frame) != 8 {
			t.Errorf("function %02x: frame length %d, want 8", function, len(frame))
		}
		if frame[1] != function || frame[2] != 0x01 || frame[3] != 0x02 || frame[5] != 0x04 {
			t.Errorf("function %02x: bad frame % 02x", function, frame)
		}
	}
	if _, err := codec.BuildReadRequest(FuncWriteSingleReg, 0, 1); err == nil {
		t.Error("Expected validation error for a write function")
	}
}

func TestBuildWriteSingleRegister(t *testing.T) {
	codec := newTestCodec(false)
	frame, err := codec.BuildWriteRequest(0x0010, 1, []byte{0x12, 0x34}, false, true)
	assertNoError(t, err)
	assertBytesEqual(t, frame[:6], []byte{0x01, 0x06, 0x00, 0x10, 0x12, 0x34})
	if !CheckCRC(frame) {
		t.Error("Sealed frame failed its own CRC")
	}
}

func TestBuildWriteSingleCoilEncoding(t *testing.T) {
	codec := newTestCodec(false)

	on, err := codec.BuildWriteRequest(0x0003, 1, []byte{0x00, 0x01}, true, true)
	assertNoError(t, err)
	assertBytesEqual(t, on[:6], []byte{0x01, 0x05, 0x00, 0x03, 0xFF, 0x00})

	off, err := codec.BuildWriteRequest(0x0003, 1, []byte{0x00, 0x00}, true, true)
	assertNoError(t, err)
	assertBytesEqual(t, off[:6], []byte{0x01, 0x05, 0x00, 0x03, 0x00, 0x00})
}

func TestBuildWriteMultipleRegisters(t *testing.T) {
	codec := newTestCodec(false)
	frame, err := codec.BuildWriteRequest(0x0200, 2, []byte{0xAA, 0xBB, 0xCC, 0xDD}, false, false)
	assertNoError(t, err)
	assertBytesEqual(t, frame[:11], []byte{
		0x01, 0x10, 0x02, 0x00, 0x00, 0x02, 0x04, 0xAA, 0xBB, 0xCC, 0xDD,
	})
	if !CheckCRC(frame) {
		t.Error("Sealed frame failed its own CRC")
	}
}

// Coil bit packing: coil i is on when the i-th 16-bit word is nonzero.
func TestBuildWriteMultipleCoilsPacking(t *testing.T) {
	codec := newTestCodec(false)
	// coils: on, off, on, on
	data := []byte{0x00, 0x01, 0x00, 0x00, 0xFF, 0x00, 0x00, 0x01}
	frame, err := codec.BuildWriteRequest(0x0000, 4, data, true, false)
	assertNoError(t, err)
	assertBytesEqual(t, frame[:8], []byte{
		0x01, 0x0F, 0x00, 0x00, 0x00, 0x04, 0x01, 0x0D,
	})
}

func TestBuildWriteMultipleCoilsTwoBytes(t *testing.T) {
	codec := newTestCodec(false)
	data := make([]byte, 2*9) // 9 coils, all off except the last
	data[17] = 1
	frame, err := codec.BuildWriteRequest(0x0000, 9, data, true, false)
	assertNoError(t, err)
	// 9 coils need two data bytes; only bit 0 of the second is set.
	assertBytesEqual(t, frame[:9], []byte{
		0x01, 0x0F, 0x00, 0x00, 0x00, 0x09, 0x02, 0x00, 0x01,
	})
}

func TestBuildWriteValidation(t *testing.T) {
	codec := newTestCodec(false)
	stats := codec.stats

	cases := []struct {
		name  string
		build func() error
	}{
		{"single write with two values", func() error {
			_, err := codec.BuildWriteRequest(0, 2, []byte{1, 2, 3, 4}, false, true)
			return err
		}},
		{"multi write data/count mismatch", func() error {
			_, err := codec.BuildWriteRequest(0, 2, []byte{1, 2}, false, false)
			return err
		}},
		{"multi write without data", func() error {
			_, err := codec.BuildWriteRequest(0, 1, nil, false, false)
			return err
		}},
	}
	for i, tc := range cases {
		err := tc.build()
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("%s: expected ValidationError, got %v", tc.name, err)
		}
		if got := stats.Snapshot(0, 0).ValidationErrors; got != uint64(i+1) {
			t.Errorf("%s: validation counter = %d, want %d", tc.name, got, i+1)
		}
	}
}

func TestBuildFileReadRequest(t *testing.T) {
	codec := newTestCodec(false)
	frame, err := codec.BuildFileReadRequest(1, 0x000A, 2)
	assertNoError(t, err)
	assertBytesEqual(t, frame[:10], []byte{
		0x01, 0x14, 0x07, 0x06, 0x00, 0x01, 0x00, 0x0A, 0x00, 0x02,
	})
	if !CheckCRC(frame) {
		t.Error("Sealed frame failed its own CRC")
	}
}

func TestBuildFileWriteRequest(t *testing.T) {
	codec := newTestCodec(false)
	frame, err := codec.BuildFileWriteRequest(2, 0x0001, 1, []byte{0xDE, 0xAD})
	assertNoError(t, err)
	assertBytesEqual(t, frame[:12], []byte{
		0x01, 0x15, 0x09, 0x06, 0x00, 0x02, 0x00, 0x01, 0x00, 0x01, 0xDE, 0xAD,
	})
}

func TestBuildFileRequestValidation(t *testing.T) {
	codec := newTestCodec(false)
	if _, err := codec.BuildFileReadRequest(0, 1, 1); err == nil {
		t.Error("file number 0 must be rejected")
	}
	if _, err := codec.BuildFileReadRequest(1, maxFileRecord+1, 1); err == nil {
		t.Error("record number above 9999 must be rejected")
	}
	if _, err := codec.BuildFileWriteRequest(1, 1, 2, []byte{1, 2}); err == nil {
		t.Error("file write data/length mismatch must be rejected")
	}
}

func TestBuildRequestPacketSizeCap(t *testing.T) {
	codec := newTestCodec(false)
	data := make([]byte, 2*124) // 7 + 248 + 2 = 257 bytes, one over the cap
	if _, err := codec.BuildWriteRequest(0, 124, data, false, false); err == nil {
		t.Error("Expected oversized request to be rejected")
	}
}

func TestBuildRequestModbusTCP(t *testing.T) {
	codec := newTestCodec(true)
	frame, err := codec.BuildReadRequest(FuncReadHoldingRegs, 0x0000, 1)
	assertNoError(t, err)

	// MBAP header plus the CRC-less PDU.
	assertBytesEqual(t, []byte{
		0x00, 0x00, // transaction ID
		0x00, 0x00, // protocol ID
		0x00, 0x06, // length: unit id + function + register + count
		0x01, 0x03, 0x00, 0x00, 0x00, 0x01,
	}, frame)

	// The next request rolls the transaction ID forward.
	frame2, err := codec.BuildReadRequest(FuncReadHoldingRegs, 0x0000, 1)
	assertNoError(t, err)
	if frame2[1] != 0x01 {
		t.Errorf("second transaction ID = %02x%02x, want 0001", frame2[0], frame2[1])
	}
	if codec.CurrentTransactionID() != 1 {
		t.Errorf("CurrentTransactionID = %d, want 1", codec.CurrentTransactionID())
	}
}
