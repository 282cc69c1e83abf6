package main

import (
	"os"

	"github.com/sheerbytes/gridsend/internal/cli/sender"
)

const version = "v0.1.0"

func main() {
	if err := sender.NewCommand(version).Execute(); err != nil {
		os.Exit(1)
	}
}
