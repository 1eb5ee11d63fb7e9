package trace

import (
	"bytes"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestRecorderMemory(t *testing.T) {
	mem := NewMemory()
	r := Open(mem)

	net := r.Source("virtio-net")
	net.Record(KindEnqueue, 0, 3, 1500)
	net.Record(KindSubmit, 0, 3, 1)
	r.Record(KindReap, "virtio-blk", 1, 7, 512)

	var got []Record
	if err := Each(bytes.NewReader(mem.Bytes()), func(rec Record) error {
		got = append(got, rec)
		return nil
	}); err != nil {
		t.Fatalf("Each failed: %v", err)
	}

	want := []Record{
		{Kind: KindEnqueue, Source: "virtio-net", Queue: 0, A: 3, B: 1500},
		{Kind: KindSubmit, Source: "virtio-net", Queue: 0, A: 3, B: 1},
		{Kind: KindReap, Source: "virtio-blk", Queue: 1, A: 7, B: 512},
	}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(Record{}, "Time")); diff != "" {
		t.Fatalf("records mismatch (-want +got):\n%s", diff)
	}
	for _, rec := range got {
		if rec.Time.IsZero() {
			t.Fatalf("expected timestamp on %v record", rec.Kind)
		}
	}
}

func TestNilRecorderDiscards(t *testing.T) {
	var r *Recorder
	r.Record(KindNotify, "x", 0, 0, 0)
	r.Source("x").Record(KindNotify, 0, 0, 0)
	var s *Source
	s.Record(KindNotify, 0, 0, 0)
	if err := r.Close(); err != nil {
		t.Fatalf("Close on nil recorder: %v", err)
	}
}

func TestConcurrentWritersProduceWholeRecords(t *testing.T) {
	mem := NewMemory()
	r := Open(mem)

	const writers = 8
	const perWriter = 200
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(q uint32) {
			defer wg.Done()
			src := r.Source("dev")
			for j := 0; j < perWriter; j++ {
				src.Record(KindReap, q, uint64(j), 0)
			}
		}(uint32(i))
	}
	wg.Wait()

	s, err := Summarize(bytes.NewReader(mem.Bytes()), 0)
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if got := s.Counts["dev"][KindReap]; got != writers*perWriter {
		t.Fatalf("expected %d reap records, got %d", writers*perWriter, got)
	}
}

func TestFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring.trace")
	r, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	r.Record(KindStatus, "virtio-rng", 0, 0x0f, 0)
	r.Record(KindFeatures, "virtio-rng", 0, 1<<32|1<<29, 1<<32)
	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	var kinds []Kind
	if err := EachFile(path, func(rec Record) error {
		kinds = append(kinds, rec.Kind)
		return nil
	}); err != nil {
		t.Fatalf("EachFile failed: %v", err)
	}
	if diff := cmp.Diff([]Kind{KindStatus, KindFeatures}, kinds); diff != "" {
		t.Fatalf("kinds mismatch (-want +got):\n%s", diff)
	}
}

func TestSummarizeLimit(t *testing.T) {
	mem := NewMemory()
	r := Open(mem)
	for i := 0; i < 10; i++ {
		r.Record(KindNotify, "a", 0, uint64(i), 0)
	}
	s, err := Summarize(bytes.NewReader(mem.Bytes()), 4)
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if s.Counts["a"][KindNotify] != 4 {
		t.Fatalf("expected 4 records, got %d", s.Counts["a"][KindNotify])
	}
	if diff := cmp.Diff([]string{"a"}, s.Sources); diff != "" {
		t.Fatalf("sources mismatch (-want +got):\n%s", diff)
	}
}
