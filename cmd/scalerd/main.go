// Package main is the entry point for the scalerd application.
package main

import (
	"os"

	"github.com/jmylchreest/scalerd/cmd/scalerd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
