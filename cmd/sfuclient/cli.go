package main

import (
	"fmt"

	"sfuclient/pkg/config"

	"github.com/alecthomas/kong"
)

type Cli struct {
	Config string `name:"config" short:"c" default:"configs/config.yaml" type:"path" help:"path to the YAML configuration; built-in defaults apply when it does not exist"`

	Run        CliRun        `cmd:"" default:"withargs" name:"run" help:"connect to the SFU and coordinate media"`
	ShowConfig CliShowConfig `cmd:"" name:"config" help:"print the effective configuration"`
}

func newCLI() (*Cli, *kong.Context) {
	c := &Cli{}
	ctx := kong.Parse(c,
		kong.Name("sfuclient"),
		kong.Description("Client-side media negotiation against an SFU router."),
		kong.UsageOnError(),
		kong.Bind(c),
	)
	return c, ctx
}

func (c *Cli) load() (*config.Config, error) {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	return cfg, nil
}
