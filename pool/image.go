package pool

import "fmt"

// Magic is the image-file magic number, the byte sequence F0 9F 97 BF,
// stylized in the source to make the four bytes visible.
var Magic = [4]byte{0xF0, 0x9F, 0x97, 0xBF}

// Version is the only image-file version this loader accepts; there
// is no forward-compatibility policy for future versions, so Load
// rejects anything else outright.
const Version = 0

// headerFixedSize is magic(4) + version(1) + global_count(1) = 6 bytes,
// before the varuint main_function_offset.
const headerFixedSize = 6

// Load parses an image file's header and wraps the remaining bytes as
// a Pool. It stands in for a full language front-end's loader, doing
// no compilation of its own — only the byte-level validation needed
// before vm_new can construct a VM from the resulting pool bytes.
//
// Load returns a plain error; callers that need the LoadError kind of
// the taxonomy (vm.NewVM does) wrap it accordingly.
func Load(data []byte) (*Pool, error) {
	if len(data) < headerFixedSize {
		return nil, fmt.Errorf("pool: image too short for header (%d bytes)", len(data))
	}
	var magic [4]byte
	copy(magic[:], data[0:4])
	if magic != Magic {
		return nil, fmt.Errorf("pool: bad magic %x, want %x", magic, Magic)
	}
	version := data[4]
	if version != Version {
		return nil, fmt.Errorf("pool: unsupported image version %d, want %d", version, Version)
	}
	globalCount := int(data[5])

	mainOffset, n, err := readVaruint(data[headerFixedSize:])
	if err != nil {
		return nil, fmt.Errorf("pool: malformed main_function_offset: %w", err)
	}
	poolBytes := data[headerFixedSize+n:]

	p := New(poolBytes, globalCount, mainOffset)
	// Validate the entry point resolves to a real code object before
	// handing the pool back; this is the one piece of semantic
	// validation Load performs, since vm_new has no other chance to
	// reject a malformed image before execution begins.
	if _, err := p.CodeObjectAt(mainOffset); err != nil {
		return nil, fmt.Errorf("pool: main_function_offset %d does not address a valid code object: %w", mainOffset, err)
	}
	return p, nil
}

// readVaruint decodes an unsigned LEB128-style varint (little-endian
// 7-bit continuation groups, LSB-first) from the start of buf. It
// returns the value and the number of bytes consumed.
func readVaruint(buf []byte) (uint64, int, error) {
	var result uint64
	var shift uint
	for i, b := range buf {
		if shift >= 64 {
			return 0, 0, fmt.Errorf("varint too long")
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, fmt.Errorf("truncated varint")
}

// Encode renders an in-memory pool body plus header fields back into
// an image-file byte sequence. The asm package's assembler finishes
// with it, as do tests that hand-build pool bodies.
func Encode(globalCount int, mainOffset uint64, poolBytes []byte) []byte {
	out := make([]byte, 0, headerFixedSize+10+len(poolBytes))
	out = append(out, Magic[:]...)
	out = append(out, Version)
	out = append(out, byte(globalCount))
	out = appendVaruint(out, mainOffset)
	out = append(out, poolBytes...)
	return out
}

func appendVaruint(out []byte, v uint64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
		} else {
			out = append(out, b)
			return out
		}
	}
}
