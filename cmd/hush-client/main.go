// ABOUTME: Entry point for the hush-client command line messenger
// ABOUTME: Delegates to the cobra command tree in commands

package main

import (
	"os"

	"github.com/2389/hush-gateway/cmd/hush-client/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
