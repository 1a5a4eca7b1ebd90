package main

import (
	"log"
	"net/http"
	"os"
	"time"

	"github.com/lessonloop/realtime/internal/relayserver"
)

func main() {
	addr := os.Getenv("SYNC_RELAY_ADDR")
	if addr == "" {
		addr = ":8090"
	}

	server := relayserver.New(relayserver.Options{
		Logger:       log.Default(),
		WriteTimeout: durationEnv("SYNC_RELAY_WRITE_TIMEOUT", 0),
	})

	log.Printf("sync-relay listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
