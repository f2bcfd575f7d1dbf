// Command test-write is a manual test for characteristic writes.
// It connects to a device, discovers it, writes test text with response
// and reads the characteristic back.
//
// Usage:
//
//	go run ./cmd/test-write [--backend tinygo|goble|sim] --device ID --service UUID --char UUID [--text TEXT]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/chaz8081/gattscope/internal/ble"
	"github.com/chaz8081/gattscope/internal/ble/codec"
	"github.com/chaz8081/gattscope/internal/cli"
)

func main() {
	backend := flag.String("backend", "sim", "BLE backend: tinygo, goble or sim")
	device := flag.String("device", "5A:1E:00:00:00:02", "device ID")
	service := flag.String("service", "ff00", "service UUID")
	char := flag.String("char", "ff01", "characteristic UUID")
	text := flag.String("text", "Hello from gattscope!", "text to write")
	flag.Parse()

	app, err := cli.NewApp(&cli.CLI{Backend: *backend, Verbose: true}, os.Stderr)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.Client.Enable(); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Connecting to %s...\n", *device)
	if _, err := app.Controller.Connect(ctx, *device); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	defer app.Controller.Disconnect(context.Background(), *device)

	if _, err := app.Discoverer.DiscoverAll(ctx, *device); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	target := ble.Target{DeviceID: *device, ServiceUUID: *service, CharacteristicUUID: *char}
	if err := app.Session.Select(target); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	if err := app.Session.SetInput(*text); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Printf("Writing %q to %s/%s...\n", *text, *service, *char)
	start := time.Now()
	written, err := app.Session.Submit(ctx)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("Confirmed in %s: %s\n", time.Since(start).Round(time.Millisecond), codec.Display(written.Value))

	readBack, err := app.Session.Read(ctx, target)
	if err != nil {
		fmt.Printf("Read back failed: %v\n", err)
		return
	}
	fmt.Printf("Read back: %s\n", codec.Display(readBack.Value))

	fmt.Println("\nDone!")
}
