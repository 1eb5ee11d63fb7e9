package dma

import (
	"bytes"
	"errors"
	"testing"
)

func TestAllocAndTranslate(t *testing.T) {
	s := NewSpace(0)

	a, err := s.Alloc(100, 0)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	b, err := s.Alloc(3*pageSize(), 4*pageSize())
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}

	if a.Phys() != DefaultBase {
		t.Fatalf("expected first region at %#x, got %#x", DefaultBase, a.Phys())
	}
	if a.Len() != pageSize() {
		t.Fatalf("expected size rounded to a page, got %d", a.Len())
	}
	if b.Phys()%uint64(4*pageSize()) != 0 {
		t.Fatalf("expected region aligned to %d, got %#x", 4*pageSize(), b.Phys())
	}
	if b.Phys() < a.Phys()+uint64(a.Len()) {
		t.Fatalf("regions overlap: a=%#x+%d b=%#x", a.Phys(), a.Len(), b.Phys())
	}

	t.Run("TranslateInterior", func(t *testing.T) {
		buf := b.Slice(pageSize()+12, 64)
		phys, err := s.Translate(buf)
		if err != nil {
			t.Fatalf("Translate failed: %v", err)
		}
		if want := b.Phys() + uint64(pageSize()) + 12; phys != want {
			t.Fatalf("expected phys %#x, got %#x", want, phys)
		}
	})

	t.Run("TranslateForeign", func(t *testing.T) {
		_, err := s.Translate(make([]byte, 16))
		if !errors.Is(err, ErrNotMapped) {
			t.Fatalf("expected ErrNotMapped, got %v", err)
		}
	})

	t.Run("TranslateEmpty", func(t *testing.T) {
		if _, err := s.Translate(nil); !errors.Is(err, ErrNotMapped) {
			t.Fatalf("expected ErrNotMapped, got %v", err)
		}
	})

	t.Run("ReadWriteByPhys", func(t *testing.T) {
		payload := []byte("virtqueue payload")
		if _, err := s.WriteAt(payload, int64(a.Phys()+32)); err != nil {
			t.Fatalf("WriteAt failed: %v", err)
		}
		if !bytes.Equal(a.Bytes()[32:32+len(payload)], payload) {
			t.Fatalf("write not visible through region bytes")
		}
		got := make([]byte, len(payload))
		if _, err := s.ReadAt(got, int64(a.Phys()+32)); err != nil {
			t.Fatalf("ReadAt failed: %v", err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("expected %q, got %q", payload, got)
		}
	})

	t.Run("RangeCrossesRegionEnd", func(t *testing.T) {
		_, err := s.Slice(a.Phys()+uint64(a.Len())-4, 8)
		if !errors.Is(err, ErrNotMapped) {
			t.Fatalf("expected ErrNotMapped, got %v", err)
		}
	})

	t.Run("Free", func(t *testing.T) {
		phys := a.Phys()
		if err := s.Free(a); err != nil {
			t.Fatalf("Free failed: %v", err)
		}
		if err := s.Free(a); !errors.Is(err, ErrFreed) {
			t.Fatalf("expected ErrFreed on double free, got %v", err)
		}
		if _, err := s.Slice(phys, 1); !errors.Is(err, ErrNotMapped) {
			t.Fatalf("expected freed region to be unmapped, got %v", err)
		}
		if s.Regions() != 1 {
			t.Fatalf("expected 1 live region, got %d", s.Regions())
		}
	})
}

func TestAllocRejectsBadArguments(t *testing.T) {
	s := NewSpace(0x1000)
	if _, err := s.Alloc(0, 0); err == nil {
		t.Fatalf("expected error for zero size")
	}
	if _, err := s.Alloc(16, 3*pageSize()); err == nil {
		t.Fatalf("expected error for non power of two alignment")
	}
}
