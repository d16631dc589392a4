// Package main provides the entry point for the lorekeep binary.
package main

import (
	"fmt"
	"os"

	"github.com/lorekeep/lorekeep/cmd/lorekeep/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
