// Package main is the entry point for the paseo CLI.
package main

import (
	"fmt"
	"os"

	"github.com/paseo/paseo/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
