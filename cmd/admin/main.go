package main

import (
	"fmt"
	"os"
)

const usage = `usage: admin <command> [flags]

server commands (talk to a running seedbridge over loopback):
  bridges    list active bridges
  create     create a bridge from a grid file
  remove     remove a bridge by seed key
  resolve    resolve a seed key to its dimension id
  observer   show observer stats and tracked entities
  reload     rescan the durable store and rehydrate new records

offline commands:
  db         query the sqlite index (bridges|triggers|history)
  journal    print the entries of a journal file`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	args := os.Args[2:]
	switch os.Args[1] {
	case "bridges":
		bridgesCmd(args)
	case "create":
		createCmd(args)
	case "remove":
		removeCmd(args)
	case "resolve":
		resolveCmd(args)
	case "observer":
		observerCmd(args)
	case "reload":
		reloadCmd(args)
	case "db":
		dbCmd(args)
	case "journal":
		journalCmd(args)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
}
