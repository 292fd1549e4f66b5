//go:build wibble64

package word

// width is 64 bits when built with -tags wibble64.
const width = 64

// Align is the required alignment, in bytes, of pool offsets and slot
// words at this word width.
const Align = 8
