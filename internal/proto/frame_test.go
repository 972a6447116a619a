package proto

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"testing/iotest"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte("one")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "one" {
		t.Fatalf("unexpected frame %q", got)
	}
}

// TCP may deliver two writes as one run of bytes, or one write a byte at a
// time. Both must decode into the same sequence of frames.
func TestFrameSplitAndCoalesce(t *testing.T) {
	var buf bytes.Buffer
	for _, msg := range []string{"first", "second", ""} {
		if err := WriteFrame(&buf, []byte(msg)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	// One byte per read forces reassembly across reads.
	r := iotest.OneByteReader(bytes.NewReader(buf.Bytes()))
	for _, want := range []string{"first", "second", ""} {
		got, err := ReadFrame(r)
		if err != nil {
			t.Fatalf("read %q: %v", want, err)
		}
		if string(got) != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}
	if _, err := ReadFrame(r); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestFrameRejectsOversizedPrefix(t *testing.T) {
	buf := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	_, err := ReadFrame(bytes.NewReader(buf))
	var tooLarge *ErrFrameTooLarge
	if !errors.As(err, &tooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestFrameTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte("whole")); err != nil {
		t.Fatalf("write: %v", err)
	}
	truncated := buf.Bytes()[:buf.Len()-2]
	if _, err := ReadFrame(bytes.NewReader(truncated)); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
}
