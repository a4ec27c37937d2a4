package main

import (
	"flag"

	"go.uber.org/fx"

	"github.com/matheus3301/wafleet/internal/daemon"
)

func main() {
	configPath := flag.String("config", "", "config file path (default ~/.wafleet/config.toml)")
	listenAddr := flag.String("listen", "", "HTTP listen address (overrides config)")
	flag.Parse()

	fx.New(daemon.Module(daemon.Params{
		ConfigPath: *configPath,
		ListenAddr: *listenAddr,
	})).Run()
}
