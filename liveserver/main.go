package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/golang/glog"

	"github.com/recordbook/live/live"
)

const LocalVersion = "0.0.0-local"

func main() {
	usage := `Live update server.

Accepts websocket connections on /ws and broadcast calls on /broadcast.

Usage:
    liveserver serve [--addr=<addr>] [--config=<config>] [--api_secret=<api_secret>]
        [--allowed_origin=<origin>...]
        [--v=<level>]
    liveserver check-config --config=<config>

Options:
    -h --help                      Show this screen.
    --version                      Show version.
    --addr=<addr>                  Listen address. Overrides the config file.
    --config=<config>              Yaml config file.
    --api_secret=<api_secret>      HS256 secret for broadcast api tokens.
                                   Overrides the config file. Falls back to $LIVE_API_SECRET.
    --allowed_origin=<origin>      Allowed websocket origin. Repeat for more.
    --v=<level>                    Log verbosity [default: 0].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RequireVersion())
	if err != nil {
		panic(err)
	}

	initGlog(opts)

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if checkConfig_, _ := opts.Bool("check-config"); checkConfig_ {
		checkConfig(opts)
	}
}

func initGlog(opts docopt.Opts) {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	if level, err := opts.String("--v"); err == nil {
		flag.Set("v", level)
	}
	// glog reads flags only after parse
	flag.CommandLine.Parse([]string{})
}

func loadConfig(opts docopt.Opts) *live.ServerConfig {
	config := live.DefaultServerConfig()
	if configPath, err := opts.String("--config"); err == nil && configPath != "" {
		config, err = live.LoadServerConfig(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s\n", err)
			os.Exit(1)
		}
	}

	if addr, err := opts.String("--addr"); err == nil && addr != "" {
		config.Addr = addr
	}
	if apiSecret, err := opts.String("--api_secret"); err == nil && apiSecret != "" {
		config.ApiSecret = apiSecret
	} else if config.ApiSecret == "" {
		config.ApiSecret = os.Getenv("LIVE_API_SECRET")
	}
	if origins, ok := opts["--allowed_origin"].([]string); ok && 0 < len(origins) {
		config.AllowedOrigins = origins
	}
	return config
}

func checkConfig(opts docopt.Opts) {
	config := loadConfig(opts)
	fmt.Printf("addr: %s\n", config.Addr)
	fmt.Printf("api auth: %t\n", config.ApiSecret != "")
	fmt.Printf("allowed origins: %v\n", config.AllowedOrigins)
	fmt.Printf("read/ping/write: %s/%s/%s\n", config.ReadTimeout, config.PingTimeout, config.WriteTimeout)
}

func serve(opts docopt.Opts) {
	config := loadConfig(opts)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	server := live.NewServer(ctx, config.ServerSettings())
	defer server.Close()

	if config.ApiSecret == "" {
		glog.Infof("[main]broadcast api is unauthenticated\n")
	}

	httpServer := &http.Server{
		Addr:              config.Addr,
		Handler:           live.NewRouter(server, config.ApiSettings()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		defer cancel()
		fmt.Printf("liveserver %s on %s\n", RequireVersion(), config.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Errorf("[main]listen error = %s\n", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	// hijacked websocket connections are not tracked by Shutdown; the server close ends them
	server.Close()
	httpServer.Shutdown(shutdownCtx)
	glog.Flush()
}

func RequireVersion() string {
	if version := os.Getenv("LIVE_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}
