// Copyright 2026 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package minivisor

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Duration is a time.Duration written as a string such as "1s" or
// "500ms" in configuration files.
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, e := time.ParseDuration(string(b))
	if e != nil {
		return e
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// ServiceManifest is one [[services]] table in a configuration file.
type ServiceManifest struct {
	Name          string            `toml:"name"`
	Command       string            `toml:"command"`
	Args          []string          `toml:"args"`
	Env           map[string]string `toml:"env"`
	RestartPolicy *RestartPolicy    `toml:"restart_policy"`
	MaxRestarts   int               `toml:"max_restarts"`
	Dir           string            `toml:"dir"`
	StopSignal    string            `toml:"stop_signal"`
	StopTime      Duration          `toml:"stop_time"`
}

// Config is the whole configuration file.
//
//	interval = "1s"
//
//	[[services]]
//	name = "web"
//	command = "/usr/bin/python3"
//	args = ["-m", "http.server"]
//	restart_policy = "OnFailure"
//	max_restarts = 3
//	env = { PYTHONUNBUFFERED = "1" }
type Config struct {
	Interval Duration          `toml:"interval"`
	Services []ServiceManifest `toml:"services"`
}

// Descriptor validates the manifest and converts it.  A missing restart
// policy means Always.
func (sm *ServiceManifest) Descriptor() (Descriptor, error) {
	d := Descriptor{
		Name:        sm.Name,
		Command:     sm.Command,
		Args:        copyArray(sm.Args),
		Env:         sm.Env,
		Restart:     RestartAlways,
		MaxRestarts: sm.MaxRestarts,
		Dir:         sm.Dir,
		StopTime:    time.Duration(sm.StopTime),
	}
	if sm.Name == "" {
		return d, fmt.Errorf("%w: service without a name", ErrBadConfig)
	}
	if sm.Command == "" {
		return d, fmt.Errorf("%w: %s: %v", ErrBadConfig, sm.Name,
			ErrEmptyCommand)
	}
	if sm.MaxRestarts < 0 {
		return d, fmt.Errorf("%w: %s: negative max_restarts", ErrBadConfig,
			sm.Name)
	}
	if sm.StopTime < 0 {
		return d, fmt.Errorf("%w: %s: negative stop_time", ErrBadConfig,
			sm.Name)
	}
	if sm.RestartPolicy != nil {
		d.Restart = *sm.RestartPolicy
	}
	if sm.StopSignal != "" {
		sig, e := ParseSignal(sm.StopSignal)
		if e != nil {
			return d, fmt.Errorf("%w: %s: %v", ErrBadConfig, sm.Name, e)
		}
		d.StopSignal = sig
	}
	return d, nil
}

// Descriptors converts every manifest, in file order, rejecting
// duplicate names.
func (c *Config) Descriptors() ([]Descriptor, error) {
	seen := make(map[string]bool)
	rv := make([]Descriptor, 0, len(c.Services))
	for i := range c.Services {
		d, e := c.Services[i].Descriptor()
		if e != nil {
			return nil, e
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("%w: %s: %v", ErrBadConfig, d.Name,
				ErrDuplicate)
		}
		seen[d.Name] = true
		rv = append(rv, d)
	}
	return rv, nil
}

// LoadConfig decodes a TOML configuration.  Unknown keys are rejected.
func LoadConfig(r io.Reader) (*Config, error) {
	c := &Config{}
	dec := toml.NewDecoder(r)
	dec.DisallowUnknownFields()
	if e := dec.Decode(c); e != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadConfig, e)
	}
	if c.Interval < 0 {
		return nil, fmt.Errorf("%w: negative interval", ErrBadConfig)
	}
	if _, e := c.Descriptors(); e != nil {
		return nil, e
	}
	return c, nil
}

func LoadConfigFile(path string) (*Config, error) {
	f, e := os.Open(path)
	if e != nil {
		return nil, e
	}
	defer f.Close()
	return LoadConfig(f)
}
