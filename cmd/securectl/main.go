package main

import (
	"os"

	"github.com/caretrust-systems/securecore/cmd/securectl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
