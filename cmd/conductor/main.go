// Command conductor is the conductor CLI: operator commands over the HTTP
// API and an agent runner that polls for work.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
