package main

import (
	"fmt"
	"os"

	"github.com/teleconsult/signaling-relay/cmd/signalctl/commands"
)

func main() {
	rootCmd := commands.NewRootCmd()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "signalctl:", err)
		os.Exit(1)
	}
}
