// Command gattscope scans for BLE peripherals, explores their GATT services
// and reads or writes characteristics, interactively or one command at a time.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/chaz8081/gattscope/internal/cli"
)

func main() {
	// Signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := cli.CLI{Ctx: ctx, Out: os.Stdout}
	kctx := kong.Parse(&c,
		kong.Name("gattscope"),
		kong.Description("Explore BLE peripherals: scan, connect, list services, read and write characteristics."),
		kong.UsageOnError(),
	)
	kctx.FatalIfErrorf(kctx.Run(&c))
}
