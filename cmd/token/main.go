// Package main generates relay auth secrets and signed development tokens.
package main

import (
	"flag"
	"os"

	"github.com/louisbranch/chatrelay/internal/platform/config"
	"github.com/louisbranch/chatrelay/internal/tools/token"
)

func main() {
	cfg, err := token.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	if err := token.Run(cfg, os.Stdout, nil); err != nil {
		config.Exitf("generate token: %v", err)
	}
}
