package main

import "os"

func main() {
	cmdName := ""
	if len(os.Args) > 1 {
		cmdName = os.Args[1]
	}
	if err := NewCommand(cmdName).Execute(); err != nil {
		os.Exit(1)
	}
}
