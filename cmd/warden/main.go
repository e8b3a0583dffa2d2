package main

import (
	"os"

	"github.com/wardenlabs/warden/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
