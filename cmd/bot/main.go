package main

import (
	"os"

	"github.com/thierrypdamiba/ticker-ai/internal/cli"
)

func main() {
	os.Exit(cli.Execute(cli.NewRootCmd()))
}
