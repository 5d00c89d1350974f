package fsys

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

var (
	utf16LE = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)
	utf16BE = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)
)

// DecodeUTF16LE decodes little-endian UTF-16 up to the first NUL code unit.
// Unpaired surrogates become U+FFFD.
func DecodeUTF16LE(b []byte) string {
	return decodeUTF16(utf16LE, b, func(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 })
}

// DecodeUTF16BE is DecodeUTF16LE for big-endian input.
func DecodeUTF16BE(b []byte) string {
	return decodeUTF16(utf16BE, b, func(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) })
}

func decodeUTF16(enc encoding.Encoding, b []byte, unit func([]byte) uint16) string {
	b = b[:len(b)&^1]
	for i := 0; i+1 < len(b); i += 2 {
		if unit(b[i:]) == 0 {
			b = b[:i]
			break
		}
	}
	s, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		return strings.Repeat("�", len(b)/2)
	}
	return string(s)
}

// DecodeCP437 decodes an OEM code page 437 byte string, as used by FAT short names.
func DecodeCP437(b []byte) string {
	s, err := charmap.CodePage437.NewDecoder().Bytes(b)
	if err != nil {
		return ValidName(b)
	}
	return string(s)
}

// ValidName returns b as a string with invalid UTF-8 sequences replaced by U+FFFD.
func ValidName(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "�")
}
