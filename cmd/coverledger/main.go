package main

import (
	"os"

	"CoverLedger/cmd/coverledger/cli"
)

func main() {
	if err := cli.Setup(); err != nil {
		os.Exit(1)
	}
}
