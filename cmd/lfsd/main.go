package main

import (
	"io"
	"log"
	"log/slog"
	"os"

	"github.com/InsulaLabs/ledgerfs/runtime"
)

func main() {
	// raft's bolt snapshot store logs through the std logger; everything
	// we own logs through slog
	log.SetOutput(io.Discard)

	rt, err := runtime.New(os.Args[1:], "cluster.yaml")
	if err != nil {
		slog.Error("Failed to initialize runtime", "error", err)
		os.Exit(1)
	}

	if err := rt.Run(); err != nil {
		slog.Error("Runtime exited with error", "error", err)
		os.Exit(1)
	}
}
