// Package main is the entry point for the av1pipe application.
package main

import (
	"os"

	"github.com/av1pipe/av1pipe/cmd/av1pipe/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
