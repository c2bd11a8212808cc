// Package main is the entry point for the LTI operator CLI.
package main

import (
	"os"

	"github.com/smallbiznis/valora-lti/cmd/ltictl/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
