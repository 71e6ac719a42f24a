package main

import (
	"fmt"
	"os"

	"sfuclient/pkg/utils"

	"gopkg.in/yaml.v2"
)

type CliShowConfig struct {
	Reveal bool `name:"reveal" help:"print secrets unmasked"`
}

func (c *CliShowConfig) Run(cli *Cli) error {
	cfg, err := cli.load()
	if err != nil {
		return err
	}

	if !c.Reveal {
		cfg.Signal.Token = utils.MaskSensitive(cfg.Signal.Token, 8)
		cfg.Redis.Password = utils.MaskSensitive(cfg.Redis.Password, 0)
		cfg.Server.AuthToken = utils.MaskSensitive(cfg.Server.AuthToken, 0)
		for i := range cfg.WebRTC.ICEServers {
			cfg.WebRTC.ICEServers[i].Credential = utils.MaskSensitive(cfg.WebRTC.ICEServers[i].Credential, 0)
		}
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config failed: %w", err)
	}
	_, err = os.Stdout.Write(out)
	return err
}
