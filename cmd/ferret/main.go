package main

import (
	"log"
	"os"

	"gopkg.in/urfave/cli.v1"
)

func main() {
	app := cli.NewApp()
	app.Name = "ferret"
	app.HelpName = os.Args[0]
	app.Usage = "Embeddable full-text search engine"
	app.HideVersion = true
	app.Commands = []cli.Command{
		createCommand,
		addCommand,
		searchCommand,
		mergeCommand,
		serveCommand,
	}
	app.Before = func(ctx *cli.Context) error {
		log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
		return nil
	}
	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}
