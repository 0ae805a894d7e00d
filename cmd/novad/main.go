// Command novad runs a Nova component server from a configuration file.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/BackupTheBerlios/nova-svn/bootstrap"
	"github.com/BackupTheBerlios/nova-svn/config"
	"github.com/BackupTheBerlios/nova-svn/core"
	"github.com/BackupTheBerlios/nova-svn/runtime"
)

func init() {
	// "echo" answers every message with its first argument.
	runtime.RegisterFactory("echo", func() core.Component {
		return core.NewFuncComponent("echo", func(ctx context.Context, msg *core.Message) (any, error) {
			return msg.Arg(0), nil
		})
	})
}

func main() {
	configFile := flag.String("config", "", "configuration file (yaml, json or toml); searched for when empty")
	watch := flag.Bool("watch", false, "reload pool sizes and discos when the configuration file changes")
	flag.Parse()

	if err := run(*configFile, *watch); err != nil {
		fmt.Fprintln(os.Stderr, "novad:", err)
		os.Exit(1)
	}
}

func run(configFile string, watch bool) error {
	loader := config.NewLoader()

	var (
		cfg *config.Config
		err error
	)
	if configFile != "" {
		cfg, err = loader.Load(configFile)
	} else {
		cfg, err = loader.AutoLoad()
	}
	if err != nil {
		return err
	}

	app, err := bootstrap.New(cfg, bootstrap.Options{
		ConfigFile: configFile,
		Watch:      watch,
		Loader:     loader,
	})
	if err != nil {
		return err
	}
	return app.Run(context.Background())
}
