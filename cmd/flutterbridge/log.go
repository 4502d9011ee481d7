package main

import (
	"os"

	"github.com/shaharia-lab/flutterbridge/config"
	"github.com/shaharia-lab/flutterbridge/observability"
)

// initLog writes to stderr so stdout stays free for the stdio transport.
func initLog(c config.LogConfig) (observability.Logger, error) {
	return observability.NewLogger(c.Format, c.Level, os.Stderr)
}
