package main

import (
	"os"

	"github.com/roxyhq/roxy/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
