//go:build !windows

package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
)

func notifySignals(sig chan<- os.Signal) {
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
}

// handleSignal reacts to a metrics toggle signal and reports whether it
// was handled (true) or whether the caller should proceed to shut down.
func handleSignal(sig os.Signal, logger *log.Logger, metrics *metricsController) bool {
	switch sig {
	case syscall.SIGUSR1:
		if metrics == nil {
			logger.Printf("metrics server disabled (missing --metrics-listen)")
			return true
		}
		metrics.Enable()
		logger.Printf("metrics enabled")
		return true
	case syscall.SIGUSR2:
		if metrics != nil {
			metrics.Disable()
			logger.Printf("metrics disabled")
		}
		return true
	default:
		return false
	}
}
