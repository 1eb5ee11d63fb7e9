// Command virtq brings up emulated virtio-mmio devices through the driver
// core, benchmarks the queue data path and inspects ring traces.
package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"os"

	"github.com/google/subcommands"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&bringupCmd{}, "")
	subcommands.Register(&benchCmd{}, "")
	subcommands.Register(&traceCmd{}, "")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

// newLogger returns a text logger writing to w and makes it the default.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	log := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)
	return log
}

// failure logs err and returns the exit status for it.
func failure(log *slog.Logger, msg string, err error) subcommands.ExitStatus {
	log.Error(msg, "error", err)
	return subcommands.ExitFailure
}
