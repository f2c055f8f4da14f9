package bufpool

import "net/netip"

// This file implements the buffer's wire-format read/write primitives:
// the original stack's write_byte/write_uint16/.../read_byte/read_uint32
// family, expressed as bounds-checked methods on *Buffer instead of raw
// pointer increments. Every write grows the view's recorded size;
// every read only advances the cursor.

func (b *Buffer) ensure(n int) bool {
	return b.cursor+n <= len(b.storage)
}

// WriteByte appends a single byte at the cursor.
func (b *Buffer) WriteByte(v byte) error {
	if !b.ensure(1) {
		return ErrPoolExhausted
	}
	b.storage[b.cursor] = v
	b.cursor++
	b.size++
	return nil
}

// WriteUint16 appends a big-endian 16-bit value.
func (b *Buffer) WriteUint16(v uint16) error {
	if !b.ensure(2) {
		return ErrPoolExhausted
	}
	b.storage[b.cursor] = byte(v >> 8)
	b.storage[b.cursor+1] = byte(v)
	b.cursor += 2
	b.size += 2
	return nil
}

// WriteUint32 appends a big-endian 32-bit value.
func (b *Buffer) WriteUint32(v uint32) error {
	if !b.ensure(4) {
		return ErrPoolExhausted
	}
	b.storage[b.cursor] = byte(v >> 24)
	b.storage[b.cursor+1] = byte(v >> 16)
	b.storage[b.cursor+2] = byte(v >> 8)
	b.storage[b.cursor+3] = byte(v)
	b.cursor += 4
	b.size += 4
	return nil
}

// WriteIP appends the four octets of an IPv4 address.
func (b *Buffer) WriteIP(ip netip.Addr) error {
	a4 := ip.As4()
	return b.WriteBytes(a4[:])
}

// WriteBytes copies p at the cursor.
func (b *Buffer) WriteBytes(p []byte) error {
	if !b.ensure(len(p)) {
		return ErrPoolExhausted
	}
	copy(b.storage[b.cursor:], p)
	b.cursor += len(p)
	b.size += len(p)
	return nil
}

// WriteString appends s without a length prefix or terminator.
func (b *Buffer) WriteString(s string) error {
	return b.WriteBytes([]byte(s))
}

// WriteCountedString appends a one-byte length prefix followed by s,
// mirroring write_stringP's Pascal-style counted string.
func (b *Buffer) WriteCountedString(s string) error {
	if len(s) > 255 {
		return ErrPoolExhausted
	}
	if err := b.WriteByte(byte(len(s))); err != nil {
		return err
	}
	return b.WriteString(s)
}

// WriteIntegerPadded renders v in decimal, left-padded with zeros to at
// least width digits, mirroring write_integer's d parameter (used by
// the DNS/DHCP/SMTP clients to render fixed-width numeric fields).
func (b *Buffer) WriteIntegerPadded(v uint32, width int) error {
	digits := []byte{}
	if v == 0 {
		digits = append(digits, '0')
	}
	for v > 0 {
		digits = append(digits, byte(v%10)+'0')
		v /= 10
	}
	for len(digits) < width {
		digits = append(digits, '0')
	}
	// digits were accumulated least-significant first; reverse in place.
	for i, j := 0, len(digits)-1; i < j; i, j = i+1, j-1 {
		digits[i], digits[j] = digits[j], digits[i]
	}
	return b.WriteBytes(digits)
}

// ReadByte consumes and returns one byte.
func (b *Buffer) ReadByte() byte {
	if !b.ensure(1) {
		return 0
	}
	v := b.storage[b.cursor]
	b.cursor++
	return v
}

// ReadUint16 consumes a big-endian 16-bit value.
func (b *Buffer) ReadUint16() uint16 {
	if !b.ensure(2) {
		return 0
	}
	v := uint16(b.storage[b.cursor])<<8 | uint16(b.storage[b.cursor+1])
	b.cursor += 2
	return v
}

// ReadUint32 consumes a big-endian 32-bit value.
func (b *Buffer) ReadUint32() uint32 {
	if !b.ensure(4) {
		return 0
	}
	v := uint32(b.storage[b.cursor])<<24 | uint32(b.storage[b.cursor+1])<<16 |
		uint32(b.storage[b.cursor+2])<<8 | uint32(b.storage[b.cursor+3])
	b.cursor += 4
	return v
}

// ReadIP consumes four octets as an IPv4 address.
func (b *Buffer) ReadIP() netip.Addr {
	if !b.ensure(4) {
		return netip.IPv4Unspecified()
	}
	var a4 [4]byte
	copy(a4[:], b.storage[b.cursor:b.cursor+4])
	b.cursor += 4
	return netip.AddrFrom4(a4)
}

// ReadBytes consumes exactly n bytes.
func (b *Buffer) ReadBytes(n int) []byte {
	if !b.ensure(n) {
		return nil
	}
	out := make([]byte, n)
	copy(out, b.storage[b.cursor:b.cursor+n])
	b.cursor += n
	return out
}

// CompareString tests whether s appears at the cursor without
// consuming it on mismatch; on a full match the cursor advances past
// it, matching compare_string's in-place probe-then-consume behavior.
func (b *Buffer) CompareString(s string) bool {
	limit := b.data + b.size
	p := b.cursor
	for i := 0; i < len(s); i++ {
		if p >= limit || p >= len(b.storage) {
			return false
		}
		if b.storage[p] != s[i] {
			return false
		}
		p++
	}
	b.cursor = p
	return true
}

// Skip advances the cursor by n bytes without reading them.
func (b *Buffer) Skip(n int) { b.cursor += n }

// SkipString advances the cursor past the next NUL-terminated string.
func (b *Buffer) SkipString() {
	limit := b.data + b.size
	p := b.cursor
	for p < limit && p < len(b.storage) && b.storage[p] != 0 {
		p++
	}
	b.cursor = p + 1
}

// IsEOF reports whether the cursor has reached the end of the current
// view.
func (b *Buffer) IsEOF() bool {
	return b.cursor >= b.data+b.size
}
