// Package main provides the entry point for the shellhost server.
package main

import (
	"fmt"
	"os"

	"github.com/tomyedwab/shellhost/cmd/shellhost/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
