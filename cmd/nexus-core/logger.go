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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	globalLogEnv     = "NEXUS_CORE_GLOBAL_LOG"
	globalLogMode    = os.FileMode(0640)
	globalLogDirMode = os.FileMode(0750)
	globalLogFlags   = os.O_CREATE | os.O_WRONLY | os.O_APPEND | os.O_SYNC
)

var errNeedGlobalLogPath = errors.New("global log path cannot be empty")

// GlobalLogHook appends every log entry, from every logger in the
// process, to one persistent location distinct from --log: if the
// daemon's working directory is torn down on failure, this file still
// has a record of what happened.
type GlobalLogHook struct {
	path string
	file *os.File
}

func handleGlobalLog(logfilePath string) error {
	path := os.Getenv(globalLogEnv)
	if path == "" {
		path = logfilePath
	}
	if path == "" {
		return nil
	}

	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("global log path must be absolute: %v", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), globalLogDirMode); err != nil {
		return err
	}

	hook, err := newGlobalLogHook(path)
	if err != nil {
		return err
	}

	nexusLog.Hooks.Add(hook)
	return nil
}

func newGlobalLogHook(logfilePath string) (*GlobalLogHook, error) {
	if logfilePath == "" {
		return nil, errNeedGlobalLogPath
	}

	f, err := os.OpenFile(logfilePath, globalLogFlags, globalLogMode)
	if err != nil {
		return nil, err
	}

	return &GlobalLogHook{path: logfilePath, file: f}, nil
}

// Levels logs at every level.
func (hook *GlobalLogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func formatFields(fields map[string]interface{}) string {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	sorted := make([]string, 0, len(keys))
	for _, k := range keys {
		sorted = append(sorted, fmt.Sprintf("%s=%q", k, fields[k]))
	}
	return strings.Join(sorted, " ")
}

// Fire writes entry to the global log in a fixed, formatter-independent
// layout so the file stays greppable regardless of --log-format.
func (hook *GlobalLogHook) Fire(entry *logrus.Entry) error {
	fields := formatFields(entry.Data)

	str := fmt.Sprintf("time=%q pid=%d name=%q level=%q",
		entry.Time, os.Getpid(), name, entry.Level)

	if fields != "" {
		str += " " + fields
	}
	if entry.Message != "" {
		str += " " + fmt.Sprintf("msg=%q", entry.Message)
	}
	str += "\n"

	_, err := hook.file.WriteString(str)
	return err
}
