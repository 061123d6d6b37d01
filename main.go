package main

import (
	"os"

	"github.com/felo/mailclaim/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		// Cobra prints the error, so we just need to exit
		os.Exit(1)
	}
}
