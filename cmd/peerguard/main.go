package main

import (
	"fmt"
	"os"
	"time"
)

var (
	Version   = "dev"
	BuildTime = ""
)

func main() {
	if BuildTime == "" {
		BuildTime = time.Now().Format(time.RFC3339)
	}
	if len(os.Args) == 1 {
		fmt.Printf("peerguard v%s (built %s)\n", Version, BuildTime)
		usage()
		return
	}

	var err error
	switch cmd := os.Args[1]; cmd {
	case "-h", "--help", "help":
		usage()
	case "-v", "--version", "version":
		fmt.Printf("peerguard v%s (built %s)\n", Version, BuildTime)
	case "learn":
		err = runLearn(os.Args[2:])
	case "protect":
		err = runProtect(os.Args[2:])
	case "trust":
		err = runTrust(os.Args[2:])
	case "list":
		err = runList(os.Args[2:])
	case "reset":
		err = runReset(os.Args[2:])
	case "test":
		runTest(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`
Usage:
  peerguard version
  peerguard test [-c DIR]
  peerguard learn [-c DIR]
  peerguard protect [-c DIR] [--reset-on-exit] [--no-prompt]
  peerguard trust list [-c DIR] [--json]
  peerguard list [-c DIR] [--json]
  peerguard reset [-c DIR]

Description:
  guards one host against unknown peers. "learn" records the sources of a
  trusted session into the trust list; "protect" blocks every other source
  that stays connected longer than THRESHOLD.
  Config: -c DIR, PEERGUARD_CONFIG, /etc/peerguard or ./configs (peerguard.conf).`)
}
