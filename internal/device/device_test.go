package device

import (
	"bytes"
	"testing"
)

func TestReadWriteBlockRoundTrip(t *testing.T) {
	d := NewMem(16 * BlockSize)
	var buf Block
	copy(buf[:], "hello world")
	if err := d.WriteBlock(&buf, 3); err != nil {
		t.Fatal(err)
	}
	got, err := d.ReadBlock(3)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got[:], buf[:]) {
		t.Fatalf("round trip mismatch")
	}
	if d.Global.Reads != 1 || d.Global.Writes != 1 {
		t.Fatalf("unexpected stats: %+v", d.Global)
	}
}

func TestWriteBlocksContiguous(t *testing.T) {
	d := NewMem(16 * BlockSize)
	var b0, b1 Block
	copy(b0[:], "first")
	copy(b1[:], "second")
	if err := d.WriteBlocks([]*Block{&b0, &b1}, 5); err != nil {
		t.Fatal(err)
	}
	got0, _ := d.ReadBlock(5)
	got1, _ := d.ReadBlock(6)
	if !bytes.Equal(got0[:6], []byte("first\x00")) {
		t.Fatalf("block 5 mismatch: %q", got0[:6])
	}
	if !bytes.Equal(got1[:6], []byte("second")) {
		t.Fatalf("block 6 mismatch: %q", got1[:6])
	}
}

func TestCRCUpdateAndVerify(t *testing.T) {
	var buf Block
	copy(buf[:], "some block payload")
	UpdateCRC(&buf)
	if !VerifyCRC(&buf) {
		t.Fatalf("freshly updated CRC should verify")
	}
	buf[100] ^= 0xFF
	if VerifyCRC(&buf) {
		t.Fatalf("mutated block should fail CRC verification")
	}
}

func TestSizeBlocks(t *testing.T) {
	d := NewMem(10 * BlockSize)
	n, err := d.SizeBlocks()
	if err != nil {
		t.Fatal(err)
	}
	if n != 10 {
		t.Fatalf("SizeBlocks = %d, want 10", n)
	}
}
