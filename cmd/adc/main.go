// Package main is the entry point for the adc platform CLI.
package main

import (
	"os"

	"github.com/adcplatform/adc/cmd/adc/app"
	"github.com/adcplatform/adc/pkg/logger"
)

func main() {
	// Initialize the logger
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
