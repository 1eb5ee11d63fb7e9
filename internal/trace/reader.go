package trace

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"
)

// Each decodes records from r in the order they were written and calls fn
// for each. It stops at the first error returned by fn.
func Each(r io.Reader, fn func(Record) error) error {
	br := bufio.NewReaderSize(r, 1<<20)
	var header [headerSize]byte
	var source [1 << 16]byte
	for {
		if _, err := io.ReadFull(br, header[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read header: %w", err)
		}
		rec, sourceLength := decodeHeader(&header)
		if rec.Kind == KindInvalid {
			return fmt.Errorf("invalid record header")
		}
		if _, err := io.ReadFull(br, source[:sourceLength]); err != nil {
			return fmt.Errorf("read source: %w", err)
		}
		rec.Source = string(source[:sourceLength])
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// EachFile decodes every record in filename.
func EachFile(filename string, fn func(Record) error) error {
	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("open trace: %w", err)
	}
	defer f.Close()
	return Each(f, fn)
}

// Summary aggregates a trace per source and kind.
type Summary struct {
	Sources  []string
	Counts   map[string]map[Kind]int
	Earliest time.Time
	Latest   time.Time
}

var errStop = errors.New("stop")

// Summarize reads r to the end and aggregates it. A limit above zero stops
// after that many records.
func Summarize(r io.Reader, limit int) (*Summary, error) {
	s := &Summary{Counts: make(map[string]map[Kind]int)}
	n := 0
	err := Each(r, func(rec Record) error {
		if limit > 0 && n >= limit {
			return errStop
		}
		n++
		counts, ok := s.Counts[rec.Source]
		if !ok {
			counts = make(map[Kind]int)
			s.Counts[rec.Source] = counts
			s.Sources = append(s.Sources, rec.Source)
		}
		counts[rec.Kind]++
		if s.Earliest.IsZero() || rec.Time.Before(s.Earliest) {
			s.Earliest = rec.Time
		}
		if rec.Time.After(s.Latest) {
			s.Latest = rec.Time
		}
		return nil
	})
	if err != nil && err != errStop {
		return nil, err
	}
	sort.Strings(s.Sources)
	return s, nil
}
