package main

import (
	_ "embed"
	"flag"
	"fmt"
	"log"
	"os"

	xmon "github.com/XinFinOrg/XDCMonitor-sub002/xmon"
)

//go:embed example-config.yml
var defaultConfig []byte

func main() {
	var configFile, stateFile string
	var dumpConfig bool
	flag.StringVar(&configFile, "f", "config.yml", "configuration file to use")
	flag.StringVar(&stateFile, "state", ".xdcmonitor-state.json", "file for storing state between restarts")
	flag.BoolVar(&dumpConfig, "example-config", false, "print an example config.yml and exit")
	flag.Parse()

	if dumpConfig {
		fmt.Println(string(defaultConfig))
		os.Exit(0)
	}

	err := xmon.Run(configFile, stateFile)
	if err != nil {
		log.Println(err.Error(), "... exiting.")
	}
}
