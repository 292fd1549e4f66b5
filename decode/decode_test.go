package decode

import "testing"

// byteSlice is a minimal ByteReader over a plain []byte, for tests.
type byteSlice []byte

func (b byteSlice) CodeByte(offset uint64) (byte, error) {
	if offset >= uint64(len(b)) {
		return 0, ErrInvalidCode
	}
	return b[offset], nil
}

func TestVarintRoundTrip(t *testing.T) {
	tests := []uint64{0, 1, 127, 128, 300, 1 << 20, 1 << 40}
	for _, v := range tests {
		buf := AppendVarint(nil, v)
		got, next, err := readVarint(byteSlice(buf), 0)
		if err != nil {
			t.Fatalf("readVarint(%d): %v", v, err)
		}
		if got != v {
			t.Errorf("readVarint roundtrip = %d, want %d", got, v)
		}
		if next != uint64(len(buf)) {
			t.Errorf("readVarint consumed %d bytes, want %d", next, len(buf))
		}
	}
}

func TestZigzagRoundTrip(t *testing.T) {
	tests := []int64{0, 1, -1, 63, -64, 1000000, -1000000}
	for _, v := range tests {
		buf := AppendZigzag(nil, v, 32)
		got, _, err := readZigzag(byteSlice(buf), 0)
		if err != nil {
			t.Fatalf("readZigzag(%d): %v", v, err)
		}
		if got != v {
			t.Errorf("readZigzag roundtrip = %d, want %d", got, v)
		}
	}
}

func TestZigzagSmallMagnitudesStaySmall(t *testing.T) {
	// Zigzag should map small negative numbers to small unsigned
	// varints (one byte), not huge ones — this is the entire point of
	// zigzag over naive sign-extension.
	buf := AppendZigzag(nil, -1, 32)
	if len(buf) != 1 {
		t.Errorf("zigzag(-1) encoded in %d bytes, want 1", len(buf))
	}
}

func TestDecodeZeroImmediate(t *testing.T) {
	buf := []byte{byte(OpNOP), byte(OpRET)}
	inst, err := Decode(byteSlice(buf), 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if inst.Op != OpNOP || inst.NImm != 0 || inst.NextPC != 1 {
		t.Errorf("Decode(NOP) = %+v", inst)
	}
}

func TestDecodeOneImmediateZigzag(t *testing.T) {
	buf := []byte{byte(OpLDLit)}
	buf = AppendZigzag(buf, -5, 32)
	inst, err := Decode(byteSlice(buf), 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if inst.Op != OpLDLit || inst.Imm[0] != -5 {
		t.Errorf("Decode(LD #-5) = %+v", inst)
	}
	if inst.NextPC != uint64(len(buf)) {
		t.Errorf("NextPC = %d, want %d", inst.NextPC, len(buf))
	}
}

func TestDecodeTwoImmediates(t *testing.T) {
	buf := []byte{byte(OpSys)}
	buf = AppendVarint(buf, 1)
	buf = AppendVarint(buf, 200)
	inst, err := Decode(byteSlice(buf), 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if inst.Op != OpSys || inst.Imm[0] != 1 || inst.Imm[1] != 200 {
		t.Errorf("Decode(SYS 1, 200) = %+v", inst)
	}
}

func TestDecodeInvalidOpcode(t *testing.T) {
	buf := []byte{0xFF}
	if _, err := Decode(byteSlice(buf), 0); err != ErrInvalidOpcode {
		t.Errorf("Decode(0xFF) = %v, want ErrInvalidOpcode", err)
	}
}

func TestDecodeTruncatedImmediate(t *testing.T) {
	buf := []byte{byte(OpLDLocal), 0x80} // continuation bit set, no next byte
	if _, err := Decode(byteSlice(buf), 0); err != ErrInvalidCode {
		t.Errorf("Decode(truncated) = %v, want ErrInvalidCode", err)
	}
}

func TestSkipAdvancesPastWholeInstruction(t *testing.T) {
	buf := []byte{byte(OpLDC)}
	buf = AppendVarint(buf, 42)
	buf = append(buf, byte(OpNOP))
	next, err := Skip(byteSlice(buf), 0)
	if err != nil {
		t.Fatalf("Skip: %v", err)
	}
	if next != uint64(len(buf)-1) {
		t.Errorf("Skip landed at %d, want %d", next, len(buf)-1)
	}
}
