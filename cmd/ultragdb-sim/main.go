package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ultragdb/ultragdb/internal/cli"
	"github.com/ultragdb/ultragdb/internal/link"
)

func main() {
	var (
		showVersion = flag.Bool("version", false, "show version information")
		jsonOutput  = flag.Bool("json", false, "output version in JSON format")
		configPath  = flag.String("config", "", "path to JSON configuration file")
		listen      = flag.String("listen", ":9001", "TCP address the proxy connects to")
		quicAddr    = flag.String("quic", "", "also serve the cart on this UDP address over QUIC")
		threadCount = flag.Int("threads", 0, "number of simulated threads (default from config)")
		pollMS      = flag.Int("poll", 0, "stub loop period in milliseconds (default from config)")
		tick        = flag.Duration("tick", time.Millisecond, "time per simulated instruction round")
		verbose     = flag.Bool("v", false, "verbose output")
		debug       = flag.Bool("debug", false, "debug output")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Runs the debug stub on a simulated console and cart.\n\n")
		fmt.Fprintf(os.Stderr, "OPTIONS:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEXAMPLES:\n")
		fmt.Fprintf(os.Stderr, "  %s -threads 3 -v\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  ultragdb-proxy -device tcp://127.0.0.1:9001\n")
		fmt.Fprintf(os.Stderr, "  %s -quic :9002 & ultragdb-proxy -device quic://127.0.0.1:9002\n", os.Args[0])
	}

	flag.Parse()

	if *showVersion {
		cli.PrintVersion(os.Stdout, "ultragdb simulator", *jsonOutput)
		os.Exit(0)
	}

	cfg, err := cli.LoadConfig(*configPath)
	if err != nil {
		cli.ExitWithError("%v", err)
	}
	addr := *listen
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "threads":
			cfg.Threads = *threadCount
		case "poll":
			cfg.PollIntervalMS = *pollMS
		case "v":
			cfg.Verbose = *verbose
		case "debug":
			cfg.Debug = *debug
		}
	})

	logger := cli.NewLogger(cfg.Verbose, cfg.Debug)
	s, err := NewSimulator(cfg.Threads, cfg.PollInterval(), *tick, logger)
	if err != nil {
		cli.ExitWithError("%v", err)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		cli.ExitWithError("listen: %v", err)
	}
	listeners := []net.Listener{ln}
	logger.Info("simulated cart on %s with %d threads", ln.Addr(), cfg.Threads)

	if *quicAddr != "" {
		tlsConf, err := link.SelfSignedTLS([]string{"localhost", "127.0.0.1"}, 0)
		if err != nil {
			cli.ExitWithError("quic certificate: %v", err)
		}
		qln, err := link.ListenQUIC(*quicAddr, tlsConf)
		if err != nil {
			cli.ExitWithError("quic listen: %v", err)
		}
		listeners = append(listeners, qln)
		logger.Info("remote cart on quic://%s", qln.Addr())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.Run(ctx, listeners...); err != nil && !errors.Is(err, context.Canceled) {
		cli.HandleError(err, logger)
	}
}
