package forwarder

import (
	"encoding/binary"
)

// canonical strips leading zero bytes, keeping at least one, as P4Runtime
// expects for binary strings.
func canonical(b []byte) []byte {
	i := 0
	for i < len(b)-1 && b[i] == 0 {
		i++
	}
	return b[i:]
}

func uintBytes(v uint64, width int) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return canonical(buf[8-width:])
}

// padLeft widens a canonical string back to n bytes. Longer input keeps its
// low n bytes.
func padLeft(b []byte, n int) []byte {
	if len(b) >= n {
		return b[len(b)-n:]
	}
	out := make([]byte, n)
	copy(out[n-len(b):], b)
	return out
}

func bytesToUint(b []byte) uint64 {
	return binary.BigEndian.Uint64(padLeft(b, 8))
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// maskBytes returns an all-ones mask of bitwidth bits.
func maskBytes(bitwidth int32) []byte {
	n := int(bitwidth+7) / 8
	out := make([]byte, n)
	for i := range out {
		out[i] = 0xff
	}
	if r := bitwidth % 8; r != 0 {
		out[0] = byte(0xff >> (8 - r))
	}
	return out
}

// prefixLen converts a contiguous mask into a prefix length.
func prefixLen(mask []byte) (int32, bool) {
	var n int32
	seenZero := false
	for _, c := range mask {
		for bit := 7; bit >= 0; bit-- {
			set := c&(1<<uint(bit)) != 0
			if set && seenZero {
				return 0, false
			}
			if set {
				n++
			} else {
				seenZero = true
			}
		}
	}
	return n, true
}

func prefixMask(prefix int32, width int) []byte {
	out := make([]byte, width)
	for i := 0; i < width && prefix > 0; i++ {
		if prefix >= 8 {
			out[i] = 0xff
			prefix -= 8
			continue
		}
		out[i] = byte(0xff << uint(8-prefix))
		prefix = 0
	}
	return out
}
