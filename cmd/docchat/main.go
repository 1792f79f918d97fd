// Command docchat is the entry point for the docchat documentation
// assistant. It provides a CLI interface (via Cobra) and an optional HTTP
// server exposing the ask pipeline over REST/SSE.
package main

import (
	"fmt"
	"os"

	"github.com/54b3r/docchat-go/cmd/docchat/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
