// Command wasmloomd runs the wasmloom Component Execution Core as a
// standalone process.
package main

import (
	"os"

	"github.com/gruntwork-io/wasmloom/cli"
)

func main() {
	os.Exit(int(cli.Run(os.Args)))
}
