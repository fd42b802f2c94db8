package main

import (
	"os"

	"offpay/cmd/offpay/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
