package vfs

import (
	"bytes"
	"testing"
)

func TestMemFileReadAt(t *testing.T) {
	f := NewMemFile("boot.img", []byte("the quick brown fox"))

	buf := make([]byte, 9)
	n, err := f.ReadAt(buf, 4)
	if err != nil {
		t.Fatal(err)
	}
	if n != 9 || string(buf[:n]) != "quick bro" {
		t.Fatalf("expected to read %q; got %q", "quick bro", string(buf[:n]))
	}

	// Short read near the end of the file.
	n, err = f.ReadAt(buf, 16)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 || string(buf[:n]) != "fox" {
		t.Fatalf("expected to read %q; got %q", "fox", string(buf[:n]))
	}

	// Read entirely past the end of the file.
	if n, err = f.ReadAt(buf, 100); err != nil || n != 0 {
		t.Fatalf("expected a zero-length read past the end; got n=%d, err=%v", n, err)
	}

	if _, err = f.ReadAt(buf, -1); err != ErrBadOffset {
		t.Fatalf("expected ErrBadOffset; got %v", err)
	}
}

func TestMemFileWriteAt(t *testing.T) {
	f := NewMemFile("scratch", []byte("0123456789"))

	if n, err := f.WriteAt([]byte("abc"), 2); err != nil || n != 3 {
		t.Fatalf("expected to write 3 bytes; got n=%d, err=%v", n, err)
	}

	// Writing past the end grows the file and zero-fills the gap.
	if n, err := f.WriteAt([]byte("xyz"), 12); err != nil || n != 3 {
		t.Fatalf("expected to write 3 bytes; got n=%d, err=%v", n, err)
	}

	buf := make([]byte, 32)
	n, err := f.ReadAt(buf, 0)
	if err != nil {
		t.Fatal(err)
	}

	exp := []byte("01abc56789\x00\x00xyz")
	if !bytes.Equal(buf[:n], exp) {
		t.Fatalf("expected file contents %q; got %q", exp, buf[:n])
	}

	fi, err := f.Stat()
	if err != nil {
		t.Fatal(err)
	}
	if fi.Name != "scratch" || fi.Size != 15 {
		t.Fatalf("expected stat {scratch 15}; got %+v", fi)
	}

	if _, err = f.WriteAt([]byte("a"), -1); err != ErrBadOffset {
		t.Fatalf("expected ErrBadOffset; got %v", err)
	}
}

func TestMemFileClose(t *testing.T) {
	f := NewMemFile("once", nil)

	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	if err := f.Close(); err != ErrClosed {
		t.Fatalf("expected ErrClosed on double close; got %v", err)
	}

	if _, err := f.ReadAt(make([]byte, 1), 0); err != ErrClosed {
		t.Fatalf("expected ErrClosed; got %v", err)
	}

	if _, err := f.WriteAt(make([]byte, 1), 0); err != ErrClosed {
		t.Fatalf("expected ErrClosed; got %v", err)
	}

	if _, err := f.Stat(); err != ErrClosed {
		t.Fatalf("expected ErrClosed; got %v", err)
	}
}
