package main

import (
	"encoding/json"
	"io"
	"log"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/urfave/cli.v1"

	"github.com/go-ferret/ferret/index"
)

var addCommand = cli.Command{
	Name:  "add",
	Usage: "Adds documents from a JSON file to the index",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "dir, d", Usage: "path to the index directory"},
		cli.StringFlag{Name: "input, i", Value: "-", Usage: "JSON document file, - for stdin"},
	},
	Action: runAdd,
}

func runAdd(c *cli.Context) error {
	var input io.Reader = os.Stdin
	if path := c.String("input"); path != "-" {
		file, err := os.Open(path)
		if err != nil {
			return errors.Wrap(err, "failed to open the input file")
		}
		defer file.Close()
		input = file
	}

	var docs []index.Document
	if err := json.NewDecoder(input).Decode(&docs); err != nil {
		return errors.Wrap(err, "failed to parse the input")
	}
	if len(docs) == 0 {
		return errors.New("no documents in the input")
	}

	d, err := openIndexDir(c, false)
	if err != nil {
		return errors.Wrap(err, "failed to open the index directory")
	}
	ix, err := index.Open(d, index.Options{})
	if err != nil {
		return errors.Wrap(err, "failed to open the index")
	}
	defer ix.Close()

	w, err := ix.Writer()
	if err != nil {
		return err
	}
	defer w.Close()

	for _, doc := range docs {
		if err := w.Add(doc); err != nil {
			return err
		}
	}
	if err := w.Commit(); err != nil {
		return err
	}

	log.Printf("added %d documents, index now has %d", len(docs), ix.Stats().NumDocs)
	return nil
}
