// Command pickle-runner is the reference pickle runner. cukerun starts it
// with the protocol on stdin/stdout; logs go to stderr.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/ormasoftchile/cukerun/pkg/picklerunner"
)

func main() {
	level := slog.LevelInfo
	if os.Getenv("PICKLE_RUNNER_DEBUG") != "" {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if _, err := picklerunner.New(os.Stdin, os.Stdout, log).Run(context.Background()); err != nil {
		log.Error("pickle runner failed", "error", err)
		os.Exit(2)
	}
}
