package rsp

import "golang.org/x/exp/constraints"

const hexDigits = "0123456789abcdef"

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// AppendHexBytes appends src as lowercase hex pairs.
func AppendHexBytes(dst, src []byte) []byte {
	for _, b := range src {
		dst = append(dst, hexDigits[b>>4], hexDigits[b&0xf])
	}
	return dst
}

// DecodeHexBytes decodes hex pairs from src into dst. It stops at the first
// non-hex character, an odd trailing digit, or when dst is full, and returns
// the number of bytes written and source characters used.
func DecodeHexBytes(dst, src []byte) (n, used int) {
	for n < len(dst) && used+1 < len(src) {
		hi, ok1 := unhex(src[used])
		lo, ok2 := unhex(src[used+1])
		if !ok1 || !ok2 {
			break
		}
		dst[n] = hi<<4 | lo
		n++
		used += 2
	}
	return n, used
}

// ParseHex reads a big-endian hex number from s. It stops at the first
// non-hex character or after maxBytes bytes worth of digits, and returns the
// value and the number of characters consumed.
func ParseHex[T constraints.Unsigned](s []byte, maxBytes int) (T, int) {
	var v T
	i := 0
	for ; i < len(s) && i < 2*maxBytes; i++ {
		d, ok := unhex(s[i])
		if !ok {
			break
		}
		v = v<<4 | T(d)
	}
	return v, i
}

// AppendHex appends v in lowercase hex without leading zeros.
func AppendHex[T constraints.Unsigned](dst []byte, v T) []byte {
	if v == 0 {
		return append(dst, '0')
	}
	var tmp [16]byte
	i := len(tmp)
	for v != 0 && i > 0 {
		i--
		tmp[i] = hexDigits[v&0xf]
		v >>= 4
	}
	return append(dst, tmp[i:]...)
}

// AppendHexFixed appends v as exactly 2*size lowercase hex digits, most
// significant byte first.
func AppendHexFixed[T constraints.Unsigned](dst []byte, v T, size int) []byte {
	for shift := 8*size - 4; shift >= 0; shift -= 4 {
		dst = append(dst, hexDigits[(uint64(v)>>uint(shift))&0xf])
	}
	return dst
}
