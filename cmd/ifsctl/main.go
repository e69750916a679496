// Command ifsctl sends admin commands to a mounted routefs instance
// through its control file.
//
//	ifsctl <mount_point>/.ifsctl <command>
//
// Commands: p (print indexes to log), e (evict L1 cache).
package main

import (
	"fmt"
	"os"
	"strings"
)

const usage = `Usage: ifsctl CTL_FILE COMMAND

COMMANDS
  p  dump indexes to the log
  e  evict L1 cache
`

func main() {
	if len(os.Args) < 3 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	var cmd string
	switch strings.ToLower(os.Args[2])[0] {
	case 'p':
		cmd = "printdb"
	case 'e':
		cmd = "evict"
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	f, err := os.OpenFile(os.Args[1], os.O_RDWR|os.O_CREATE, 0700)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.WriteString(cmd); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
	fmt.Printf("%s done.\n", cmd)
}
