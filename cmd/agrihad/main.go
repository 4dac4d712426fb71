// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"flag"
	"os"

	"github.com/agriha/controld/internal/logging"
	"github.com/agriha/controld/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "agriha.yaml", "path to the daemon's YAML configuration file")
	debug := flag.Bool("debug", false, "enable debug-level logging")
	flag.Parse()

	logging.Init(*debug)
	defer logging.Sync()

	sup, err := supervisor.New(*configPath)
	if err != nil {
		logging.Errorf("startup failed: %v", err)
		os.Exit(1)
	}

	if err := sup.Run(); err != nil {
		logging.Errorf("fatal: %v", err)
		os.Exit(1)
	}
}
