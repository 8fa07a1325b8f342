// Package rot47 implements the obfuscation applied to license usage files
// on disk.
//
// rot47 only keeps casual readers from seeing raw counts when they open a
// state file. It is NOT encryption: anyone can reverse it and it must never
// be used to protect secrets.
package rot47

const (
	first = 33  // '!'
	last  = 126 // '~'
	span  = last - first + 1
)

// Encode rotates every printable ASCII character (except space) by 47
// positions. All other runes are left untouched.
func Encode(s string) string {
	out := []rune(s)
	for i, r := range out {
		out[i] = rotate(r)
	}
	return string(out)
}

// Decode reverses Encode. rot47 is its own inverse.
func Decode(s string) string {
	return Encode(s)
}

// EncodeBytes is Encode for file payloads. Bytes outside the printable
// range, including the bytes of multi-byte UTF-8 sequences, pass through.
func EncodeBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[i] = byte(rotate(rune(c)))
	}
	return out
}

// DecodeBytes reverses EncodeBytes.
func DecodeBytes(b []byte) []byte {
	return EncodeBytes(b)
}

func rotate(r rune) rune {
	if r < first || r > last {
		return r
	}
	return first + (r+14)%span
}
