// Binary paper runs the trading loop against the simulated account regardless of broker.venue.
package main

import (
	"os"

	"github.com/thierrypdamiba/ticker-ai/internal/cli"
)

func main() {
	root := cli.NewRootCmd()
	root.SetArgs(append([]string{"run", "--venue", "paper"}, os.Args[1:]...))
	os.Exit(cli.Execute(root))
}
