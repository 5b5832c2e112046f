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
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
)

// waitForShutdown blocks until SIGINT or SIGTERM arrives, then calls
// stop and returns. SIGCHLD/SIGURG/SIGWINCH are ignored, matching the
// set of signals a long-running daemon expects to see routinely and
// should not treat as a shutdown request.
func waitForShutdown(log logrus.FieldLogger, stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGCHLD, syscall.SIGURG, syscall.SIGWINCH)

	for sig := range ch {
		switch sig {
		case syscall.SIGCHLD, syscall.SIGURG, syscall.SIGWINCH:
			continue
		case syscall.SIGINT, syscall.SIGTERM:
			log.WithField("signal", sig).Info("shutting down")
			stop()
			return
		}
	}
}
