package main

import (
	"log"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/urfave/cli.v1"
	"gopkg.in/yaml.v3"

	"github.com/go-ferret/ferret/index"
	"github.com/go-ferret/ferret/schema"
	"github.com/go-ferret/ferret/vfs"
)

var createCommand = cli.Command{
	Name:  "create",
	Usage: "Creates a new index from a schema file",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "dir, d", Usage: "path to the index directory"},
		cli.StringFlag{Name: "schema, s", Usage: "path to the YAML schema file"},
	},
	Action: runCreate,
}

type schemaFile struct {
	Fields []schema.Field `yaml:"fields"`
}

func loadSchema(path string) (*schema.Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read schema file")
	}
	var file schemaFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrap(err, "failed to parse schema file")
	}
	return schema.New(file.Fields...)
}

func openIndexDir(c *cli.Context, create bool) (vfs.Dir, error) {
	path := c.String("dir")
	if path == "" {
		return nil, errors.New("missing index directory, use --dir")
	}
	return vfs.OpenDir(path, create)
}

func runCreate(c *cli.Context) error {
	schemaPath := c.String("schema")
	if schemaPath == "" {
		return errors.New("missing schema file, use --schema")
	}
	s, err := loadSchema(schemaPath)
	if err != nil {
		return err
	}

	d, err := openIndexDir(c, true)
	if err != nil {
		return errors.Wrap(err, "failed to open the index directory")
	}

	ix, err := index.Create(d, s, index.Options{})
	if err != nil {
		return errors.Wrap(err, "failed to create the index")
	}
	defer ix.Close()

	log.Printf("created index in %v with %d fields", d.Path(), len(s.Fields()))
	return nil
}
