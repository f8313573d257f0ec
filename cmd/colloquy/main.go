package main

import (
	"fmt"
	"os"

	"github.com/HyphaGroup/colloquy/internal/cli"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	if err := cli.NewRootCommand(cli.Options{Version: Version}).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
