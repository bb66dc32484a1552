package helpers

// ExpandRGB565 splits one RGB565 pixel into 8-bit channels. The top bits of each
// channel are replicated into the low bits so that 0x1f maps to 0xff, not 0xf8.
func ExpandRGB565(px uint16) (r, g, b uint8) {
	r5 := uint8(px>>11) & 0x1f
	g6 := uint8(px>>5) & 0x3f
	b5 := uint8(px) & 0x1f

	r = r5<<3 | r5>>2
	g = g6<<2 | g6>>4
	b = b5<<3 | b5>>2
	return r, g, b
}

// RGB565ToRGB24 converts pixels little-endian RGB565 pixels from src into packed
// RGB24 in dst and returns the number of bytes written. It stops early if either
// buffer is too short.
func RGB565ToRGB24(dst, src []byte, pixels int) int {
	if n := len(src) / 2; n < pixels {
		pixels = n
	}
	if n := len(dst) / 3; n < pixels {
		pixels = n
	}

	for i := 0; i < pixels; i++ {
		px := uint16(src[2*i]) | uint16(src[2*i+1])<<8
		r, g, b := ExpandRGB565(px)
		dst[3*i] = r
		dst[3*i+1] = g
		dst[3*i+2] = b
	}
	return pixels * 3
}

// SwapRB swaps the first and third byte of every 3-byte pixel in place,
// turning BGR24 into RGB24 and back.
func SwapRB(buf []byte) {
	for i := 0; i+2 < len(buf); i += 3 {
		buf[i], buf[i+2] = buf[i+2], buf[i]
	}
}
