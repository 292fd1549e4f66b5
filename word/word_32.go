//go:build !wibble64

package word

// width is 32 bits unless built with -tags wibble64. 32-bit is the
// default, matching a microcontroller-class deployment target.
const width = 32

// Align is the required alignment, in bytes, of pool offsets and slot
// words at this word width.
const Align = 4
