// Package main is the entry point for the shortcut-agent CLI, the background
// writer that appends turns to the shared store from outside the server.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "shortcut-agent:", err)
		os.Exit(1)
	}
}
