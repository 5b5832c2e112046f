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
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/urfave/cli"
)

// variables rather than consts so tests can point them elsewhere.
var (
	hugepagesPath    = "/sys/kernel/mm/hugepages"
	requiredCLITools = []string{"nvme", "iscsiadm"}
)

func checkHugepages() error {
	if _, err := os.Stat(hugepagesPath); err != nil {
		return fmt.Errorf("hugepages not configured (%s: %v)", hugepagesPath, err)
	}
	entries, err := os.ReadDir(hugepagesPath)
	if err != nil {
		return fmt.Errorf("reading %s: %v", hugepagesPath, err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("no hugepage sizes configured under %s", hugepagesPath)
	}
	return nil
}

func checkCLITools() []error {
	var errs []error
	for _, tool := range requiredCLITools {
		if _, err := exec.LookPath(tool); err != nil {
			errs = append(errs, fmt.Errorf("required tool %q not found on PATH", tool))
		}
	}
	return errs
}

func checkPersistenceDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("persistence directory %s not writable: %v", dir, err)
	}
	probe := filepath.Join(dir, ".nexus-core-check")
	if err := os.WriteFile(probe, []byte("ok"), 0640); err != nil {
		return fmt.Errorf("persistence directory %s not writable: %v", dir, err)
	}
	return os.Remove(probe)
}

// runChecks runs every preflight check and returns every failure it
// finds at once, rather than bailing out at the first one, so a fresh
// host only needs one round trip through "nexus-core check".
func runChecks(cfg tomlConfig) []error {
	var errs []error

	if err := checkHugepages(); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, checkCLITools()...)
	if err := checkPersistenceDir(cfg.Persistence.Path); err != nil {
		errs = append(errs, err)
	}

	return errs
}

var checkCommand = cli.Command{
	Name:  "check",
	Usage: "verify this host can run " + name,
	Action: func(context *cli.Context) error {
		cfg, err := loadConfig(context.GlobalString("config"))
		if err != nil {
			return err
		}

		errs := runChecks(cfg)
		if len(errs) == 0 {
			fmt.Println("all checks passed")
			return nil
		}

		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "FAIL: %v\n", e)
		}
		return fmt.Errorf("%d check(s) failed", len(errs))
	},
}
