package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/zhanat1998/arashan-chat/internal/app"
	"github.com/zhanat1998/arashan-chat/internal/config"
	"github.com/zhanat1998/arashan-chat/internal/session"
	"go.uber.org/fx"
)

func main() {
	configFlag := flag.String("config", "", "config path (default ~/.arashan-chat/config.toml)")
	flag.Parse()

	path := *configFlag
	if path == "" {
		path = session.ConfigPath()
	}

	// Fail fast on config problems instead of inside the fx graph.
	cfg, err := config.Load(path)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := session.ValidateProfile(cfg.Profile.Name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fx.New(
		app.Module(app.Params{ConfigPath: path}),
		fx.Invoke(registerConsole),
	).Run()
}
