package main

import (
	"github.com/nimburion/coordination/pkg/cli"
)

func main() {
	cli.Execute(cli.NewRootCommand(cli.Options{Name: "coordctl"}))
}
