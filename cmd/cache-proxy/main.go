// Copyright 2025 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Caching proxy for OpenAI-compatible chat completion APIs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/pprof"
	"runtime/trace"
	"sync"
	"syscall"

	"github.com/maruel/recall"
	"github.com/maruel/recall/internal"
	"github.com/maruel/recall/proxy"
)

func mainImpl() error {
	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	programLevel := &slog.LevelVar{}
	internal.InitLog(programLevel)
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		slog.Info("main", "message", "quitting")
	}()

	addr := flag.String("addr", "", "Listening address; overrides the server.addr config value")
	config := flag.String("config", "config.yml", "Configuration file. If not present, it is automatically created.")
	version := flag.Bool("version", false, "Print version then exit")
	verbose := flag.Bool("v", false, "Enable verbose logging")
	cpuprofile := flag.String("cpuprofile", "", "file to save trace to. A frequent name is cpu.pprof; you can analyze it with go tool pprof -http=:6060 cpu.pprof")
	tracefile := flag.String("trace", "", "file to save trace to. A frequent name is trace.out; you can analyze it with go tool trace -http=:6060 trace.out")
	flag.Parse()

	if len(flag.Args()) != 0 {
		return errors.New("unexpected argument")
	}
	if *version {
		fmt.Printf("cache-proxy %s\n", internal.Commit())
		return nil
	}
	if *tracefile != "" {
		f, err2 := os.Create(*tracefile)
		if err2 != nil {
			return err2
		}
		defer f.Close()
		if err := trace.Start(f); err != nil {
			return err
		}
		defer trace.Stop()
	}
	if *cpuprofile != "" {
		f, err2 := os.Create(*cpuprofile)
		if err2 != nil {
			return err2
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return err
		}
		defer pprof.StopCPUProfile()
	}
	if *verbose {
		programLevel.Set(slog.LevelDebug)
	}
	cfg := recall.Config{}
	if err := cfg.LoadOrDefault(*config); err != nil {
		return err
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	svcs, err := recall.LoadServices(ctx, &cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err2 := svcs.Close(); err2 != nil {
			slog.Error("main", "message", "failed to close services", "error", err2)
		}
	}()
	srv, err := proxy.New(svcs.Engine, svcs.Providers, svcs.Replayer, svcs.Breakers, &cfg.Server)
	if err != nil {
		return err
	}
	return srv.Serve(ctx)
}

func main() {
	if err := mainImpl(); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "\ncache-proxy: %v\n", err.Error())
		os.Exit(1)
	}
}
