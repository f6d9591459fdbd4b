// Command conductord is the conductor coordinator daemon. It serves the HTTP
// API and runs the background job processor and the heartbeat watchdog.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
