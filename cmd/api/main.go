package main

import (
	"fmt"
	"os"

	"github.com/danielhendel/oli-sub005/internal/cli"
)

// main runs the api command; `api serve` boots the service.
func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
