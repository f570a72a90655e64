package main

import (
	"os"

	"github.com/alpacahq/replicatedtree/cmd"
	"github.com/alpacahq/replicatedtree/utils/log"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Error("%v", err)
		os.Exit(1)
	}
}
