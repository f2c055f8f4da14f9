package bufpool

import "testing"

func TestGetReleaseCycle(t *testing.T) {
	p := New(2, 64)
	b1, err := p.Get(10)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if b1.Tag != TagReserved {
		t.Fatalf("fresh buffer should be TagReserved, got %v", b1.Tag)
	}
	b2, err := p.Get(10)
	if err != nil {
		t.Fatalf("Get second: %v", err)
	}
	if _, err := p.Get(10); err != ErrPoolExhausted {
		t.Fatalf("expected pool exhaustion, got %v", err)
	}
	p.Release(b1)
	if b1.Tag != TagEmpty {
		t.Fatalf("released buffer should be TagEmpty, got %v", b1.Tag)
	}
	if _, err := p.Get(10); err != nil {
		t.Fatalf("Get after release: %v", err)
	}
	_ = b2
}

func TestRetainKeepsBufferAlive(t *testing.T) {
	p := New(1, 64)
	b, _ := p.Get(10)
	p.Retain(b)
	p.Release(b)
	if b.Tag != TagReserved {
		t.Fatalf("buffer retained twice should survive one release, got tag %v", b.Tag)
	}
	p.Release(b)
	if b.Tag != TagEmpty {
		t.Fatalf("buffer should be freed after matching releases, got tag %v", b.Tag)
	}
}

func TestCodecRoundTrip(t *testing.T) {
	p := New(1, 64)
	b, _ := p.Get(64)
	b.WriteByte(0x7f)
	b.WriteUint16(0x1234)
	b.WriteUint32(0xdeadbeef)
	b.WriteString("hi")

	b.SeekCursor(0)
	if v := b.ReadByte(); v != 0x7f {
		t.Fatalf("ReadByte = %#x", v)
	}
	if v := b.ReadUint16(); v != 0x1234 {
		t.Fatalf("ReadUint16 = %#x", v)
	}
	if v := b.ReadUint32(); v != 0xdeadbeef {
		t.Fatalf("ReadUint32 = %#x", v)
	}
	if got := string(b.ReadBytes(2)); got != "hi" {
		t.Fatalf("ReadBytes = %q", got)
	}
	if !b.IsEOF() {
		t.Fatalf("expected EOF after consuming every written byte")
	}
}

func TestCropShrinksView(t *testing.T) {
	p := New(1, 32)
	b, _ := p.Get(32)
	b.WriteBytes([]byte{1, 2, 3, 4, 5, 6})
	b.Crop(2)
	if b.Len() != 4 {
		t.Fatalf("Len after Crop(2) = %d, want 4", b.Len())
	}
	if got := b.Data(); len(got) != 4 || got[0] != 3 {
		t.Fatalf("Data after crop = %v", got)
	}
}

func TestWriteIntegerPadded(t *testing.T) {
	p := New(1, 16)
	b, _ := p.Get(16)
	b.WriteIntegerPadded(7, 3)
	if got := string(b.Data()); got != "007" {
		t.Fatalf("WriteIntegerPadded(7,3) = %q, want 007", got)
	}
}
