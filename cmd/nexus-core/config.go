// Copyright (c) 2017 Intel Corporation
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"os"
	goruntime "runtime"

	"github.com/BurntSushi/toml"
)

// tomlConfig mirrors the nested-table layout the runtime config file
// uses: one table per subsystem, each independently optional so a
// config file only needs to mention what it wants to override.
type tomlConfig struct {
	Reactor     reactorConfig     `toml:"reactor"`
	Pool        poolConfig        `toml:"pool"`
	Target      targetConfig      `toml:"target"`
	Persistence persistenceConfig `toml:"persistence"`
	Grpc        grpcConfig        `toml:"grpc"`
}

type reactorConfig struct {
	// Cores is the number of core-pinned reactors to start. Zero means
	// "one per logical CPU minus one, reserved for the persistence
	// reactor and the gRPC server's own goroutines."
	Cores int `toml:"cores"`
}

type poolConfig struct {
	ImportOnStart []string `toml:"import_on_start"`
}

type targetConfig struct {
	Host            string `toml:"host"`
	NvmfPort        int    `toml:"nvmf_port"`
	IscsiPort       int    `toml:"iscsi_port"`
	DefaultProtocol string `toml:"default_protocol"`
	NvmetcliPath    string `toml:"nvmetcli_path"`
	TargetcliPath   string `toml:"targetcli_path"`
}

type persistenceConfig struct {
	Path string `toml:"path"`
}

type grpcConfig struct {
	Endpoint string `toml:"endpoint"`
}

func defaultConfig() tomlConfig {
	return tomlConfig{
		Reactor: reactorConfig{Cores: goruntime.NumCPU() - 1},
		Target: targetConfig{
			Host:            "127.0.0.1",
			NvmfPort:        4420,
			IscsiPort:       3260,
			DefaultProtocol: "nvmf",
			NvmetcliPath:    "nvmetcli",
			TargetcliPath:   "targetcli",
		},
		Persistence: persistenceConfig{Path: defaultRootDirectory + "/nexus-state.yaml"},
		Grpc:        grpcConfig{Endpoint: "0.0.0.0:10124"},
	}
}

// loadConfig reads path into a tomlConfig seeded with defaults; a
// blank or missing path returns the defaults untouched, so a config
// file is always optional.
func loadConfig(path string) (tomlConfig, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return tomlConfig{}, err
	}

	if cfg.Reactor.Cores < 1 {
		cfg.Reactor.Cores = goruntime.NumCPU() - 1
	}
	if cfg.Reactor.Cores < 1 {
		cfg.Reactor.Cores = 1
	}

	return cfg, nil
}
