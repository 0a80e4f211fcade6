package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

func usage() string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return "usage: posbridge <daemon|" + strings.Join(names, "|") + "> [args]"
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage())
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "daemon":
		err = runDaemon(os.Args[2:])
	case "help", "-h", "--help":
		fmt.Println(usage())
		return
	default:
		if _, ok := commands[os.Args[1]]; !ok {
			fmt.Fprintf(os.Stderr, "unknown command: %s\n%s\n", os.Args[1], usage())
			os.Exit(1)
		}
		err = runCommand(os.Args[1], os.Args[2:])
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
