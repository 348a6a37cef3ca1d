package cmd

import (
	"fmt"
	"os"

	"mlkmbp/mbp/common/logx"
	"mlkmbp/mbp/server"
)

var cmd = logx.New(logx.WithPrefix("cmd"))

const defaultConfig = "./config/config.yaml"

// Run is the process entrypoint: mbp [config-path] | mbp help.
func Run() {
	switch {
	case len(os.Args) == 1:
		must(server.Run(defaultConfig))
	case os.Args[1] == "help" || os.Args[1] == "-h" || os.Args[1] == "--help":
		printHelp()
	default:
		must(server.Run(os.Args[1]))
	}
}

func must(err error) {
	if err != nil {
		cmd.Errorf("%v", err)
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Println(`Usage:
  mbp                  # start using ./config/config.yaml
  mbp <config-path>    # start using the given config file
  mbp help             # this message`)
}
