package main

import (
	"strings"
	"sync"

	"recapai/internal/util"
	"recapai/services/recorder/internal/app"
	"recapai/services/recorder/internal/config"
)

type commandContext struct {
	configFlag *string
	logLevel   string

	once    sync.Once
	runtime *app.Runtime
	err     error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

// ensureRuntime loads the service configuration and connects to the same
// database, Redis and blob backend the service uses.
func (c *commandContext) ensureRuntime() (*app.Runtime, error) {
	c.once.Do(func() {
		util.InitLogger(c.logLevel, "text")
		path := ""
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, err := config.Load(path)
		if err != nil {
			c.err = err
			return
		}
		appCfg, err := cfg.AppConfig()
		if err != nil {
			c.err = err
			return
		}
		c.runtime, c.err = app.New(appCfg)
	})
	return c.runtime, c.err
}

func (c *commandContext) close() error {
	if c.runtime == nil {
		return nil
	}
	return c.runtime.Close()
}
