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
	"context"
	"io/ioutil"
	"os"
	"path"
	"path/filepath"
	"testing"

	"github.com/dlespiau/covertool/pkg/cover"
	"github.com/dlespiau/covertool/pkg/exit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli"

	"github.com/openebs/nexus-core/internal/pool"
)

var testDir = ""

func init() {
	var err error
	testDir, err = ioutil.TempDir("", name+"-test-")
	if err != nil {
		panic(err)
	}
}

func runUnitTests(m *testing.M) {
	ret := m.Run()
	os.RemoveAll(testDir)
	os.Exit(ret)
}

// TestMain is the common main function for every test in this
// package. Run as a normal test binary it exercises the Go unit
// tests below; built as a coverage-instrumented binary named
// nexus-core(.coverage) it instead re-execs main(), letting the CLI
// surface itself be driven end-to-end (e.g. by the "check" command's
// own shell-level tests) while still recording coverage.
func TestMain(m *testing.M) {
	cover.ParseAndStripTestFlags()

	exit.AtExit(cover.FlushProfiles)

	if base := path.Base(os.Args[0]); base == name+".coverage" || base == name {
		main()
		exit.Exit(0)
	}

	runUnitTests(m)
}

// testConfig returns a tomlConfig rooted under a fresh subdirectory of
// testDir, with a malloc:// pool disk standing in for the real NVMe
// backing store a production deployment would import.
func testConfig(t *testing.T) tomlConfig {
	t.Helper()

	dir, err := ioutil.TempDir(testDir, "")
	require.NoError(t, err)

	cfg := defaultConfig()
	cfg.Persistence.Path = filepath.Join(dir, "nexus-state.yaml")
	cfg.Grpc.Endpoint = "127.0.0.1:0"
	return cfg
}

func TestNewDaemonWiresProviders(t *testing.T) {
	cfg := testConfig(t)

	d, err := newDaemon(nexusLog, cfg)
	require.NoError(t, err)
	assert.NotNil(t, d.pools)
	assert.NotNil(t, d.nexuses)

	_, err = d.pools.Create(context.Background(), "pool0", "4c2d4d9a-1111-4a8e-9c1a-000000000001",
		"malloc:///disk0?size_mb=64", pool.KindLvs)
	assert.NoError(t, err)

	d.shutdown()
}

func TestNewDaemonStartsWithNoNexuses(t *testing.T) {
	cfg := testConfig(t)

	d, err := newDaemon(nexusLog, cfg)
	require.NoError(t, err)
	assert.Empty(t, d.nexuses.List())

	d.shutdown()
}

func TestRunCommandActionIsWired(t *testing.T) {
	_, ok := runCommand.Action.(func(*cli.Context) error)
	assert.True(t, ok)
}
