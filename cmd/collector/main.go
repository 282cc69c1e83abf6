package main

import (
	"os"

	"github.com/sheerbytes/gridsend/internal/cli/receiver"
)

const version = "v0.1.0"

func main() {
	if err := receiver.NewCommand(version).Execute(); err != nil {
		os.Exit(1)
	}
}
