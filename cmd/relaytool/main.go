// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// relaytool is a standalone bring-up utility for reading and writing the
// MCP23008 relay expander directly, bypassing the gate and every broker
// topic. It exists for bench testing wiring before the daemon is live.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/agriha/controld/internal/relay"
)

func main() {
	bus := flag.Int("bus", 1, "I2C bus number")
	addr := flag.Uint("addr", 0x20, "MCP23008 I2C address")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	driver, err := relay.Open(*bus, uint16(*addr))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open relay driver: %v\n", err)
		os.Exit(1)
	}
	defer driver.Close()

	switch args[0] {
	case "status":
		mask, err := driver.GetMask()
		if err != nil {
			fmt.Fprintf(os.Stderr, "read mask: %v\n", err)
			os.Exit(1)
		}
		for ch := 1; ch <= 8; ch++ {
			on, err := driver.GetChannel(ch)
			if err != nil {
				fmt.Fprintf(os.Stderr, "read channel %d: %v\n", ch, err)
				os.Exit(1)
			}
			fmt.Printf("ch%d: %v\n", ch, on)
		}
		fmt.Printf("mask: 0x%02X\n", mask)

	case "set":
		if len(args) != 3 {
			fmt.Fprintln(os.Stderr, "usage: relaytool set <channel 1-8> <on|off>")
			os.Exit(1)
		}
		ch, err := strconv.Atoi(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid channel %q: %v\n", args[1], err)
			os.Exit(1)
		}
		on, err := parseState(args[2])
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		if err := driver.SetChannel(ch, on); err != nil {
			fmt.Fprintf(os.Stderr, "set channel %d: %v\n", ch, err)
			os.Exit(1)
		}
		fmt.Printf("ch%d set to %v\n", ch, on)

	case "all-off":
		if err := driver.AllOff(); err != nil {
			fmt.Fprintf(os.Stderr, "all-off: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("all channels off")

	default:
		usage()
		os.Exit(1)
	}
}

func parseState(s string) (bool, error) {
	switch s {
	case "on", "1", "true":
		return true, nil
	case "off", "0", "false":
		return false, nil
	default:
		return false, fmt.Errorf("invalid state %q, want on|off", s)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: relaytool [-bus N] [-addr 0xNN] status|set <ch> <on|off>|all-off")
}
