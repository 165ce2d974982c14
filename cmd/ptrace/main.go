package main

import (
	"os"

	"github.com/immunityinc/libptrace/cmd/ptrace/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
