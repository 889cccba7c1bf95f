package main

import (
	"os"

	"github.com/odyssey-erp/odyssey-spend/cmd/spendctl/cli"
)

func main() {
	if err := cli.NewRootCommand(cli.RedisBackend).Execute(); err != nil {
		os.Exit(1)
	}
}
