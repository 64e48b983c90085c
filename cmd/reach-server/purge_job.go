package main

import (
	"log"

	"github.com/jfreed-dev/reach/internal/history"
)

// purgeHistory trims command records older than the retention window.
// Runs on the @daily schedule; DeleteOld logs the row count itself.
func purgeHistory(days int) {
	if _, err := history.DeleteOld(days); err != nil {
		log.Printf("[history] purge: %v", err)
	}
}
