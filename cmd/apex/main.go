// Package main provides the entry point for the apex CLI.
package main

import (
	"os"

	"github.com/randalmurphal/apex/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
