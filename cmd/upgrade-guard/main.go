// Package main provides the CLI entrypoint for upgrade-guard.
//
// upgrade-guard decides whether a stateful Service Fabric service can be
// upgraded in place:
//   - Reads the V1 and V2 service manifests
//   - Finds the types V2 stores in reliable collections
//   - Checks that V1 still defines each of them by full name
package main

import (
	"context"
	"os"
	"os/signal"

	"upgrade-guard/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)

	code := cli.Execute(ctx, os.Args[1:], os.Stdout, os.Stderr)

	stop()
	os.Exit(code)
}
