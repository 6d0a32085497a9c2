// Command creditsd serves the credits HTTP API and runs ledger
// maintenance tasks.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
