// Package main is the entry point for the mcpgate server.
package main

import (
	"os"

	"github.com/agencyhub/mcpgate/cmd/mcpgate/app"
	"github.com/agencyhub/mcpgate/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
