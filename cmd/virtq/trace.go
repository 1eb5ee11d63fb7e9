package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/subcommands"

	"github.com/tinyrange/virtq/internal/trace"
)

var errLimit = errors.New("limit reached")

type traceCmd struct {
	limit int
	dump  bool
}

func (*traceCmd) Name() string     { return "trace" }
func (*traceCmd) Synopsis() string { return "summarize or dump a ring trace file" }
func (*traceCmd) Usage() string {
	return "trace [-limit n] [-dump] <file>\n"
}

func (c *traceCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.limit, "limit", 0, "stop after this many records (0 reads everything)")
	f.BoolVar(&c.dump, "dump", false, "print every record instead of a summary")
}

func (c *traceCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	log := newLogger(os.Stderr, slog.LevelInfo)
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	filename := f.Arg(0)

	var err error
	if c.dump {
		err = c.dumpRecords(filename)
	} else {
		err = c.summarize(filename)
	}
	if err != nil {
		return failure(log, "read trace", err)
	}
	return subcommands.ExitSuccess
}

func (c *traceCmd) dumpRecords(filename string) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "TIME\tSOURCE\tQUEUE\tKIND\tA\tB")
	n := 0
	err := trace.EachFile(filename, func(rec trace.Record) error {
		if c.limit > 0 && n >= c.limit {
			return errLimit
		}
		n++
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%#x\t%#x\n",
			rec.Time.Format(time.StampMicro), rec.Source, rec.Queue, rec.Kind, rec.A, rec.B)
		return nil
	})
	if errors.Is(err, errLimit) {
		return nil
	}
	return err
}

func (c *traceCmd) summarize(filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	s, err := trace.Summarize(f, c.limit)
	if err != nil {
		return err
	}
	if len(s.Sources) == 0 {
		fmt.Println("trace is empty")
		return nil
	}
	fmt.Printf("%s to %s (%v)\n",
		s.Earliest.Format(time.StampMicro),
		s.Latest.Format(time.StampMicro),
		s.Latest.Sub(s.Earliest))

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "SOURCE\tKIND\tCOUNT")
	for _, source := range s.Sources {
		for kind := trace.KindEnqueue; kind <= trace.KindFeatures; kind++ {
			if n := s.Counts[source][kind]; n > 0 {
				fmt.Fprintf(w, "%s\t%s\t%d\n", source, kind, n)
			}
		}
	}
	return nil
}
