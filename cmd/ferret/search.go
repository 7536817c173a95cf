package main

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/urfave/cli.v1"

	"github.com/go-ferret/ferret/index"
	"github.com/go-ferret/ferret/query"
)

var searchCommand = cli.Command{
	Name:      "search",
	Usage:     "Searches the index",
	ArgsUsage: "QUERY",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "dir, d", Usage: "path to the index directory"},
		cli.StringFlag{Name: "field, f", Usage: "default field for unqualified terms"},
		cli.IntFlag{Name: "limit, n", Value: 10, Usage: "maximum number of hits"},
	},
	Action: runSearch,
}

func runSearch(c *cli.Context) error {
	input := strings.Join(c.Args(), " ")
	if input == "" {
		return errors.New("missing query")
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

	defaultField := c.String("field")
	if defaultField == "" {
		fields := ix.Schema().Fields()
		defaultField = fields[0].Name
	}

	q, err := query.Parse(input, defaultField, ix.Schema(), ix.Analyzer())
	if err != nil {
		return err
	}

	snapshot := ix.Snapshot()
	defer snapshot.Close()

	results, err := snapshot.Search(q, index.Limit(c.Int("limit")))
	if err != nil {
		return err
	}

	fmt.Printf("%d matching documents\n", results.Total())
	rank := 1
	for {
		hit, err := results.Next()
		if err != nil {
			return err
		}
		if hit == nil {
			break
		}
		fmt.Printf("%d. %s (%.4f)\n", rank, hit.Key, hit.Score)
		for name, value := range hit.Fields {
			fmt.Printf("   %s: %s\n", name, value)
		}
		rank++
	}
	return nil
}
