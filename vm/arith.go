package vm

import (
	"github.com/wibblevm/microwibble/decode"
	"github.com/wibblevm/microwibble/word"
)

// maskWidth truncates v to the configured word width, used by INV,
// OR/AND/XOR and LSL (bitwise complement and left shift can set bits
// of the Go-native uint above bit 31 when Width==32, so the high bits
// must be cleared back off before the result round-trips through
// FromInt/AsInt).
func maskWidth(v uint64) uint64 {
	if word.Width == 32 {
		return v & 0xFFFFFFFF
	}
	return v
}

// applyUnary implements the unary op table.
func (v *VM) applyUnary(op decode.UnaryOp, x word.Word) (word.Word, *Fault) {
	switch op {
	case decode.UnaryNot:
		if word.AsInt(x) == 0 {
			return word.FromInt(1), nil
		}
		return word.FromInt(0), nil
	case decode.UnaryNeg:
		return word.FromInt(-word.AsInt(x)), nil
	case decode.UnaryInv:
		return word.FromInt(int64(maskWidth(^word.AsUint(x)))), nil
	default:
		return 0, newFault(InvalidCode, v.frameTrace(), "unknown unary op index %d", op)
	}
}

// applyBinary implements the binary op table: two's
// complement, wrap on overflow. Every arithmetic result is built with
// word.FromInt, so wraparound at the configured word width falls out
// of AsInt/AsUint's own truncation on the next read rather than needing
// bespoke overflow handling here.
func (v *VM) applyBinary(op decode.BinaryOp, a, b word.Word) (word.Word, *Fault) {
	switch op {
	case decode.BinAdd:
		return word.FromInt(word.AsInt(a) + word.AsInt(b)), nil
	case decode.BinSub:
		return word.FromInt(word.AsInt(a) - word.AsInt(b)), nil
	case decode.BinMul:
		return word.FromInt(word.AsInt(a) * word.AsInt(b)), nil
	case decode.BinDiv:
		if word.AsInt(b) == 0 {
			return 0, newFault(DivByZero, v.frameTrace(), "division by zero")
		}
		// Go defines INT_MIN / -1 as INT_MIN (two's-complement
		// overflow wrap), so no special case is needed here.
		return word.FromInt(word.AsInt(a) / word.AsInt(b)), nil
	case decode.BinMod:
		if word.AsInt(b) == 0 {
			return 0, newFault(DivByZero, v.frameTrace(), "modulo by zero")
		}
		return word.FromInt(word.AsInt(a) % word.AsInt(b)), nil
	case decode.BinEq:
		if a == b {
			return word.FromInt(1), nil
		}
		return word.FromInt(0), nil
	case decode.BinLt:
		if word.AsInt(a) < word.AsInt(b) {
			return word.FromInt(1), nil
		}
		return word.FromInt(0), nil
	case decode.BinLe:
		if word.AsInt(a) <= word.AsInt(b) {
			return word.FromInt(1), nil
		}
		return word.FromInt(0), nil
	case decode.BinOr:
		return word.FromInt(int64(maskWidth(word.AsUint(a) | word.AsUint(b)))), nil
	case decode.BinAnd:
		return word.FromInt(int64(maskWidth(word.AsUint(a) & word.AsUint(b)))), nil
	case decode.BinXor:
		return word.FromInt(int64(maskWidth(word.AsUint(a) ^ word.AsUint(b)))), nil
	case decode.BinLsl:
		count := word.AsUint(b) % uint64(word.Width)
		return word.FromInt(int64(maskWidth(word.AsUint(a) << count))), nil
	case decode.BinLsr:
		count := word.AsUint(b) % uint64(word.Width)
		return word.FromInt(int64(word.AsUint(a) >> count)), nil
	case decode.BinAsr:
		count := word.AsUint(b) % uint64(word.Width)
		return word.FromInt(word.AsInt(a) >> count), nil
	default:
		return 0, newFault(InvalidCode, v.frameTrace(), "unknown binary op index %d", op)
	}
}
