package main

import (
	"os"

	"github.com/medscreen/collab/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
