package main

import (
	"os"

	"github.com/cuongbtq/avatar-render/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
