// ./main.go
package main

import (
	"github.com/regal-1/osworld-gpt4o-mini-evaluation/cmd"
)

func main() {
	// Execute the root command defined in the cmd package.
	// This handles all command-line parsing, configuration, and execution.
	cmd.Execute()
}
