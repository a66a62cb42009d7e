package config

import (
	"github.com/loykin/deployr/internal/env"
)

// EnvSource builds the environment engine for builds and the service.
// Precedence: OS env (when use_os_env) provides the base; env_files
// apply in order; the top-level env list overrides last. Section env
// lists are handed to Merge by the caller.
func (c *Config) EnvSource() (*env.Env, error) {
	e := env.New()
	if c.UseOSEnv {
		e.UseOS()
	}
	for _, p := range c.EnvFiles {
		if err := e.LoadFile(p); err != nil {
			return nil, err
		}
	}
	e.Apply(c.Env)
	return e, nil
}

// GlobalEnv composes the shared environment as a "K=V" slice.
func (c *Config) GlobalEnv() ([]string, error) {
	e, err := c.EnvSource()
	if err != nil {
		return nil, err
	}
	return e.Merge(nil), nil
}
