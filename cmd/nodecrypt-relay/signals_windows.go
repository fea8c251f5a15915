//go:build windows

package main

import (
	"log"
	"os"
	"os/signal"
)

func notifySignals(sig chan<- os.Signal) {
	// Windows does not support Unix-style SIGUSR1/SIGUSR2.
	signal.Notify(sig, os.Interrupt)
}

// handleSignal never handles a signal as a runtime toggle on Windows; any
// signal falls through to shutdown.
func handleSignal(_ os.Signal, _ *log.Logger, _ *metricsController) bool {
	return false
}
