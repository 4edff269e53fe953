package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ultragdb/ultragdb/internal/cli"
)

func main() {
	var (
		showVersion = flag.Bool("version", false, "show version information")
		jsonOutput  = flag.Bool("json", false, "output version in JSON format")
		configPath  = flag.String("config", "", "path to JSON configuration file")
		listen      = flag.String("listen", "", "TCP address GDB connects to (default :8080)")
		device      = flag.String("device", "", "cart serial device or tcp://host:port (default /dev/ttyUSB0)")
		wait        = flag.Bool("wait", false, "wait for the device to appear")
		stubVersion = flag.String("stub-version", "", "semver constraint the stub banner must satisfy")
		dumpDir     = flag.String("dump-dir", "", "directory receiving raw binary and screenshot frames")
		verbose     = flag.Bool("v", false, "verbose output")
		debug       = flag.Bool("debug", false, "debug output")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Bridges a GDB client on TCP to the debug stub on an EverDrive flash cart.\n\n")
		fmt.Fprintf(os.Stderr, "OPTIONS:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEXAMPLES:\n")
		fmt.Fprintf(os.Stderr, "  %s -device /dev/ttyUSB0 -wait          # Wait for the cart, then listen on :8080\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -device tcp://127.0.0.1:9001        # Connect to ultragdb-sim\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  gdb -ex 'target remote :8080' game.elf\n")
	}

	flag.Parse()

	if *showVersion {
		cli.PrintVersion(os.Stdout, "ultragdb proxy", *jsonOutput)
		os.Exit(0)
	}

	cfg, err := cli.LoadConfig(*configPath)
	if err != nil {
		cli.ExitWithError("%v", err)
	}
	// flags given on the command line win over the file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Listen = *listen
		case "device":
			cfg.Device = *device
		case "wait":
			cfg.WaitForDevice = *wait
		case "stub-version":
			cfg.StubVersion = *stubVersion
		case "dump-dir":
			cfg.DumpDir = *dumpDir
		case "v":
			cfg.Verbose = *verbose
		case "debug":
			cfg.Debug = *debug
		}
	})

	logger := cli.NewLogger(cfg.Verbose, cfg.Debug)
	proxy, err := NewProxy(cfg, logger)
	if err != nil {
		cli.ExitWithError("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := proxy.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		cli.HandleError(err, logger)
	}
}
