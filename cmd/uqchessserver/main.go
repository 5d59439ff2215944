package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/seekerror/build"
	"github.com/seekerror/logw"

	"github.com/tkellar/uqchessserver/pkg/engine"
	"github.com/tkellar/uqchessserver/pkg/match"
	"github.com/tkellar/uqchessserver/pkg/server"
)

var version = build.NewVersion(1, 0, 0)

// Exit codes, per the external interface contract: usage, bind, engine
// startup, and engine death each get a dedicated code so driving scripts can
// tell the failure classes apart without scraping stderr.
const (
	exitUsage       = 14
	exitBind        = 7
	exitEngineStart = 11
	exitEngineDeath = 5
)

func usage(fs *flag.FlagSet) {
	fmt.Fprint(os.Stderr, `usage: uqchessserver [--listen <port>]

UQCHESSSERVER mediates chess games between human and computer clients over
a line-oriented TCP protocol, delegating all move legality to an external
chess engine subprocess.

Options:
`)
	fs.PrintDefaults()
}

func main() {
	fs := flag.NewFlagSet("uqchessserver", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	port := fs.String("listen", "0", "TCP port to listen on (0 selects an ephemeral port)")
	fs.Usage = func() { usage(fs) }

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(exitUsage)
	}
	if *port == "" {
		fmt.Fprintln(os.Stderr, "uqchessserver: --listen requires a port, not an empty string")
		usage(fs)
		os.Exit(exitUsage)
	}
	if _, err := strconv.Atoi(*port); err != nil {
		fmt.Fprintln(os.Stderr, "uqchessserver: --listen must be a decimal port number")
		usage(fs)
		os.Exit(exitUsage)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logw.Infof(ctx, "uqchessserver %v", version)

	registry := server.NewRegistry()

	path, args, err := findEngine()
	if err != nil {
		fmt.Fprintln(os.Stderr, "uqchessserver: unable to start communication with chess engine")
		os.Exit(exitEngineStart)
	}

	eng, err := engine.Start(ctx, path, args, registry)
	if err != nil {
		fmt.Fprintln(os.Stderr, "uqchessserver: unable to start communication with chess engine")
		os.Exit(exitEngineStart)
	}

	wait := match.NewList()
	listener, err := server.Listen("127.0.0.1:"+*port, eng, wait, registry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "uqchessserver: %v\n", err)
		os.Exit(exitBind)
	}

	bound := listener.Addr().(*net.TCPAddr).Port
	fmt.Fprintln(os.Stderr, bound)
	logw.Infof(ctx, "Listening on port %v", bound)

	err = server.Run(ctx, listener, eng)
	switch {
	case errors.Is(err, server.ErrEngineDied):
		os.Exit(exitEngineDeath)
	case err != nil:
		logw.Errorf(ctx, "Server exited: %v", err)
		os.Exit(1)
	}
}

// findEngine locates the chess engine subprocess binary: an explicit
// override via UQCHESS_ENGINE, then a short list of conventional names on
// PATH and common install locations.
func findEngine() (string, []string, error) {
	if path := os.Getenv("UQCHESS_ENGINE"); path != "" {
		return path, nil, nil
	}

	candidates := []string{
		"uqchessengine",
		"stockfish",
		"/usr/games/stockfish",
		"/usr/local/bin/stockfish",
		"/opt/homebrew/bin/stockfish",
	}
	for _, c := range candidates {
		if p, err := exec.LookPath(c); err == nil {
			return p, nil, nil
		}
	}
	return "", nil, os.ErrNotExist
}
