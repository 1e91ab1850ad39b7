package exfat

import (
	"unicode/utf16"
)

// stringFromUtf16Bytes decodes little-endian UTF-16 bytes holding the given
// number of code units. Embedded NULs are skipped, since character counts on
// disk may still include trailing NULs.
func stringFromUtf16Bytes(raw []byte, unitCount int) string {
	units := make([]uint16, 0, unitCount)

	for i := 0; i < unitCount && i*2+1 < len(raw); i++ {
		unit := uint16(raw[i*2]) | uint16(raw[i*2+1])<<8

		if unit == 0 {
			continue
		}

		units = append(units, unit)
	}

	return string(utf16.Decode(units))
}

// utf16FromString encodes a Go string into UTF-16 code units.
func utf16FromString(s string) []uint16 {
	return utf16.Encode([]rune(s))
}

// stringFromUtf16 decodes UTF-16 code units into a Go string.
func stringFromUtf16(units []uint16) string {
	return string(utf16.Decode(units))
}

// utf16BytesFromUnits packs code units into little-endian bytes, zero-padded
// to the given byte length.
func utf16BytesFromUnits(units []uint16, byteLength int) []byte {
	raw := make([]byte, byteLength)

	for i, unit := range units {
		if i*2+1 >= byteLength {
			break
		}

		raw[i*2] = byte(unit)
		raw[i*2+1] = byte(unit >> 8)
	}

	return raw
}
