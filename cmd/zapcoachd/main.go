package main

import (
	"flag"

	"go.uber.org/fx"

	"github.com/caiombs/zapcoach/internal/daemon"
)

func main() {
	configFlag := flag.String("config", "", "config file path (default ~/.zapcoach/config.toml)")
	flag.Parse()

	app := fx.New(
		daemon.Module(daemon.Params{ConfigPath: *configFlag}),
	)

	app.Run()
}
