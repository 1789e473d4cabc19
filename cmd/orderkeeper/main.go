package main

import (
	"fmt"
	"os"

	"orderkeeper/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "orderkeeper: %v\n", err)
		os.Exit(cli.ExitCode(err))
	}
}
