// entropyguard - entropy-based ransomware detection agent
//
// The agent watches a directory tree, scores the Shannon entropy of files as
// they are created or modified, and reports files that look encrypted to an
// external ledger exactly once per cooldown window:
//
//	entropyguard run                 Watch and report
//	entropyguard score <file>...     Print the entropy of files
//	entropyguard journal verify      Check the alert journal
//	entropyguard deadletters list    Show undelivered alerts
//	entropyguard deadletters redrive Resubmit undelivered alerts
//	entropyguard deadletters export  Archive undelivered alerts
package main

import (
	"fmt"
	"os"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch cmd := os.Args[1]; cmd {
	case "run":
		err = cmdRun(os.Args[2:])
	case "score":
		err = cmdScore(os.Args[2:])
	case "journal":
		err = cmdJournal(os.Args[2:])
	case "deadletters":
		err = cmdDeadLetters(os.Args[2:])
	case "version":
		fmt.Printf("entropyguard %s\n", version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`entropyguard - entropy-based ransomware detection

USAGE:
    entropyguard <command> [options]

COMMANDS:
    run                   Watch a directory tree and report suspicious files
        -config path      Configuration file (toml, yaml or json)
        -root dir         Directory to watch (overrides watch.root)
        -threshold f      Entropy threshold in bits per byte (default 7.5)
        -device id        Device identifier (default: hostname)

    score <file>...       Print the entropy of each file and its verdict
        -threshold f      Threshold to classify against

    journal verify        Check the alert journal's hash chain and HMACs
        -config path

    deadletters list      List alerts that could not be delivered
    deadletters redrive   Resubmit transient dead letters now
    deadletters export    Write dead letters as gzip JSON Lines to a
                          directory or S3 bucket
        -config path
        -limit n
        -all              Include resolved (list, export) or permanent
                          (redrive) dead letters

    version               Show the version
    help                  Show this help message

ENVIRONMENT:
    ENTROPYGUARD_WATCH_ROOT, ENTROPYGUARD_DEVICE_ID, ENTROPYGUARD_THRESHOLD,
    ENTROPYGUARD_LEDGER_ENDPOINT, ENTROPYGUARD_LEDGER_TOKEN,
    ENTROPYGUARD_LOG_LEVEL, ENTROPYGUARD_DATA_DIR

run exits 0 after SIGINT/SIGTERM and 1 when watching cannot start or
cannot be recovered.`)
}
