// watermarkd issues watermarked PDF documents to authenticated recipients
// and traces leaked copies back to them.
//
//	watermarkd [-config path] [-version]
//
// The daemon serves the handshake, issuance and trace operations over a
// local Unix socket; watermarkctl is its client.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Version is set at build time.
var Version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file (default: first config.{toml,yaml,json} in ., the config dir or the data dir)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("watermarkd %s\n", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "watermarkd: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	d, err := newDaemon(configPath)
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.Start(); err != nil {
		return err
	}
	return d.Wait(ctx)
}
