package main

import (
	"log/slog"
	"os"

	"beacon/api/internal/cli"
)

func main() {
	if err := cli.Execute(os.Args[1:]); err != nil {
		slog.Error("beacon-api failed", "error", err)
		os.Exit(1)
	}
}
