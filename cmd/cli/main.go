// Package main is the entry point for the duck-audit CLI binary.
package main

import (
	"os"

	"duck-audit/pkg/cli"
)

func main() {
	os.Exit(cli.Execute())
}
