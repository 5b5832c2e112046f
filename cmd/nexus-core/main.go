// Copyright (c) 2014,2015,2016 Docker, Inc.
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
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

const (
	name    = "nexus-core"
	project = "OpenEBS Nexus"
)

var version = ""
var commit = ""

var defaultRootDirectory = "/var/lib/nexus-core"

const usage = project + ` data plane
nexus-core is the node-local data-plane daemon: it owns pools,
replicas, nexuses and their rebuild/target lifecycle, and exposes a
management RPC boundary for everything above it.`

const notes = `
NOTES:

Run "` + name + ` check" before "` + name + ` run" on a new host to
confirm hugepages, NVMe-oF/iSCSI tooling and the persistence directory
are usable.

`

var nexusLog = logrus.New()

func beforeSubcommands(context *cli.Context) error {
	if userWantsUsage(context) {
		return nil
	}

	if context.GlobalBool("debug") {
		nexusLog.Level = logrus.DebugLevel
	}
	if path := context.GlobalString("log"); path != "" && path != "/dev/null" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC, 0640)
		if err != nil {
			return err
		}
		nexusLog.Out = f
	}

	switch context.GlobalString("log-format") {
	case "text":
		// retain logrus's default.
	case "json":
		nexusLog.Formatter = new(logrus.JSONFormatter)
	default:
		return fmt.Errorf("unknown log-format %q", context.GlobalString("log-format"))
	}

	if err := handleGlobalLog(context.GlobalString("global-log")); err != nil {
		return err
	}

	nexusLog.Infof("%v (version %v, commit %v) called as: %v", name, version, commit, context.Args())

	return nil
}

func main() {
	app := cli.NewApp()
	app.Name = name
	app.Usage = usage

	cli.AppHelpTemplate = fmt.Sprintf(`%s%s`, cli.AppHelpTemplate, notes)

	v := make([]string, 0, 2)
	if version != "" {
		v = append(v, name+" : "+version)
	}
	if commit != "" {
		v = append(v, "  commit : "+commit)
	}
	app.Version = strings.Join(v, "\n")

	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Println(c.App.Version)
	}

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config",
			Usage: project + " config file path",
		},
		cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug output for logging",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "/dev/null",
			Usage: "set the log file path where internal debug information is written",
		},
		cli.StringFlag{
			Name:  "log-format",
			Value: "text",
			Usage: "set the format used by logs ('text' (default), or 'json')",
		},
		cli.StringFlag{
			Name:  "global-log",
			Usage: "append every log entry to this path as well, independent of --log",
		},
		cli.StringFlag{
			Name:  "root",
			Value: defaultRootDirectory,
			Usage: "root directory for persisted pool/nexus state",
		},
	}

	app.Commands = []cli.Command{
		runCommand,
		checkCommand,
	}

	app.Before = beforeSubcommands
	cli.ErrWriter = &fatalWriter{cli.ErrWriter}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}

// userWantsUsage determines if the user only wishes to see the usage
// statement.
func userWantsUsage(context *cli.Context) bool {
	if context.NArg() == 0 {
		return true
	}
	if context.NArg() == 1 && (context.Args()[0] == "help" || context.Args()[0] == "version") {
		return true
	}
	if context.NArg() >= 2 && (context.Args()[1] == "-h" || context.Args()[1] == "--help") {
		return true
	}
	return false
}

func fatal(err error) {
	nexusLog.Error(err)
	fmt.Fprintln(os.Stderr, err)
	exit(1)
}

type fatalWriter struct {
	cliErrWriter io.Writer
}

func (f *fatalWriter) Write(p []byte) (n int, err error) {
	nexusLog.Error(string(p))
	return f.cliErrWriter.Write(p)
}

// exit is a var so tests can swap it for a non-terminating stand-in.
var exit = os.Exit
