package main

import (
	"log/slog"
	"os"

	"smartwallet/services/smartnoded"
)

func main() {
	if err := smartnoded.Main(); err != nil {
		slog.Error("smartnoded exited", slog.Any("error", err))
		os.Exit(1)
	}
}
