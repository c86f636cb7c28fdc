// Package main is the entry point for the opencane runtime binary.
package main

import (
	"fmt"
	"os"

	"github.com/iflabx/opencane/cmd/opencane/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(commands.ExitCode(err))
	}
}
