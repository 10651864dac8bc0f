// Package cipher implements the Caesar shift applied by usbstickctl before bytes reach the device.
package cipher

// Shift rotates ASCII letters forward by n positions, preserving case.
// Any other byte is copied unchanged. n may be negative or larger than 26.
func Shift(p []byte, n int) []byte {
	k := norm(n)
	out := make([]byte, len(p))
	for i, c := range p {
		switch {
		case c >= 'a' && c <= 'z':
			out[i] = 'a' + (c-'a'+k)%26
		case c >= 'A' && c <= 'Z':
			out[i] = 'A' + (c-'A'+k)%26
		default:
			out[i] = c
		}
	}
	return out
}

// Unshift reverses Shift(p, n).
func Unshift(p []byte, n int) []byte {
	return Shift(p, -int(norm(n)))
}

func norm(n int) byte {
	k := n % 26
	if k < 0 {
		k += 26
	}
	return byte(k)
}
