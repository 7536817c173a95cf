package main

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/urfave/cli.v1"

	"github.com/go-ferret/ferret/index"
	"github.com/go-ferret/ferret/server"
	"github.com/go-ferret/ferret/vfs"
)

var serveCommand = cli.Command{
	Name:  "serve",
	Usage: "Runs the HTTP search server",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "config, c", Usage: "path to the YAML config file"},
		cli.StringFlag{Name: "dir, d", Usage: "path to the index directory (overrides config)"},
		cli.StringFlag{Name: "listen, l", Usage: "listen address (overrides config)"},
	},
	Action: runServe,
}

func runServe(c *cli.Context) error {
	config := server.Config{}
	if path := c.String("config"); path != "" {
		loaded, err := server.LoadConfig(path)
		if err != nil {
			return err
		}
		config = *loaded
	}
	if dir := c.String("dir"); dir != "" {
		config.Path = dir
	}
	if listen := c.String("listen"); listen != "" {
		config.Listen = listen
	}
	if config.Path == "" {
		return errors.New("missing index directory, use --dir or a config file")
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return errors.Wrap(err, "failed to set up logging")
	}
	defer logger.Sync()

	d, err := vfs.OpenDir(config.Path, false)
	if err != nil {
		return errors.Wrap(err, "failed to open the index directory")
	}
	ix, err := index.Open(d, index.Options{WriterWait: true, AutoMerge: true})
	if err != nil {
		return errors.Wrap(err, "failed to open the index")
	}
	defer ix.Close()

	return server.New(ix, logger, config).ListenAndServe()
}
