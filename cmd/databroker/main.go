// Command databroker searches and retrieves experiment data.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/databroker/internal/cli"

	// Registers the "client" metadata store backend.
	_ "github.com/roach88/databroker/internal/client"
)

// Build variables - set by ldflags during build.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	cli.Version = fmt.Sprintf("%s (%s)", version, commit)
	os.Exit(cli.Execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
