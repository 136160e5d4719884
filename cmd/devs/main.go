package main

import (
	"os"

	"github.com/victorarias/dev-sessions/cmd/devs/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
