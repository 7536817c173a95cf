package main

import (
	"log"

	"github.com/pkg/errors"
	"gopkg.in/urfave/cli.v1"

	"github.com/go-ferret/ferret/index"
)

var mergeCommand = cli.Command{
	Name:  "merge",
	Usage: "Runs one round of segment merging",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "dir, d", Usage: "path to the index directory"},
	},
	Action: runMerge,
}

func runMerge(c *cli.Context) error {
	d, err := openIndexDir(c, false)
	if err != nil {
		return errors.Wrap(err, "failed to open the index directory")
	}
	ix, err := index.Open(d, index.Options{})
	if err != nil {
		return errors.Wrap(err, "failed to open the index")
	}
	defer ix.Close()

	before := ix.Stats()
	if err := ix.Merge(); err != nil {
		return err
	}
	after := ix.Stats()

	log.Printf("merge finished, %d segments before, %d after", before.NumSegments, after.NumSegments)
	return nil
}
