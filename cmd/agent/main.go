package main

import (
	"os"

	"github.com/orbanhq/orban-agent/pkg/console"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		console.Error("%v", err)
		os.Exit(1)
	}
}
