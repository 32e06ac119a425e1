package main

import (
	"os"

	"github.com/chengyongru/openscreen/cmd"
	"github.com/chengyongru/openscreen/internal/util"
)

func main() {
	// config loading logs before cobra has parsed --verbose
	util.InitLogger(util.IsVerbose())

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
