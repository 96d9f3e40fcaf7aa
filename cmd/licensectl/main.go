// Command licensectl administers the license store directly, without a
// running licensed process.
package main

import (
	"context"
	"os"
	"os/signal"
)

// Set at link time by build.go.
var (
	Version   = "dev"
	BuildTime = ""
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
