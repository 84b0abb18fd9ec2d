package websocket

// mask XORs data in place against a cyclic 4-byte key (RFC 6455 Section 5.3):
//
//	data[i] ^= key[i % 4]
//
// Masking is its own inverse, so the same function both masks and unmasks.
// Empty input is a no-op. Grounded on the word-aligned scalar path from
// MiraiMindz-watt/shockwave's pkg/shockwave/websocket/mask_amd64.go
// (maskBytesScalar): bytes are XORed eight at a time via a widened uint64
// key once len(data) >= 8, falling back to a byte loop for the remainder
// and for small payloads. The AVX2 path that sibling implementation gates
// behind cpu.X86.HasAVX2 is not reproduced here — it requires a hand
// written .s file with no way to validate it compiles, and the scalar
// word path already removes the hot-loop bounds-check/byte-shuffle cost
// the 4-byte modulo version pays.
func mask(data []byte, key [4]byte) {
	if len(data) == 0 {
		return
	}

	if len(data) >= 8 {
		wide := uint64(key[0]) |
			uint64(key[1])<<8 |
			uint64(key[2])<<16 |
			uint64(key[3])<<24 |
			uint64(key[0])<<32 |
			uint64(key[1])<<40 |
			uint64(key[2])<<48 |
			uint64(key[3])<<56

		i := 0
		for ; i+8 <= len(data); i += 8 {
			v := uint64(data[i]) |
				uint64(data[i+1])<<8 |
				uint64(data[i+2])<<16 |
				uint64(data[i+3])<<24 |
				uint64(data[i+4])<<32 |
				uint64(data[i+5])<<40 |
				uint64(data[i+6])<<48 |
				uint64(data[i+7])<<56
			v ^= wide

			data[i] = byte(v)
			data[i+1] = byte(v >> 8)
			data[i+2] = byte(v >> 16)
			data[i+3] = byte(v >> 24)
			data[i+4] = byte(v >> 32)
			data[i+5] = byte(v >> 40)
			data[i+6] = byte(v >> 48)
			data[i+7] = byte(v >> 56)
		}
		for ; i < len(data); i++ {
			data[i] ^= key[i%4]
		}
		return
	}

	for i := range data {
		data[i] ^= key[i%4]
	}
}
