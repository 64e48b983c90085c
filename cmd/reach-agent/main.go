package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"golang.org/x/crypto/ssh"

	"github.com/jfreed-dev/reach/internal/config"
	"github.com/jfreed-dev/reach/internal/logging"
	"github.com/jfreed-dev/reach/internal/pathpolicy"
	"github.com/jfreed-dev/reach/internal/protocol"
	"github.com/jfreed-dev/reach/internal/sshkeys"
	"github.com/jfreed-dev/reach/internal/tunnel"
	"github.com/jfreed-dev/reach/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to config.yml (default <data>/config.yml)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("reach-agent " + version.Version)
		return
	}

	settings, err := config.LoadAgent(*configPath)
	if err != nil {
		log.Fatalf("Config: %v", err)
	}
	logging.Init(settings.LogPath())
	log.Printf("[agent] reach agent %s starting (server %s)", version.Version, settings.ServerAddr())

	signer, err := sshkeys.EnsureKeyPair(settings.DataPath)
	if err != nil {
		log.Fatalf("Agent key init: %v", err)
	}
	log.Printf("[agent] key fingerprint %s", ssh.FingerprintSHA256(signer.PublicKey()))

	ag, err := tunnel.New(tunnel.Config{
		ServerAddr:        settings.ServerAddr(),
		Signer:            signer,
		ServerFingerprint: settings.ServerFingerprint,
		Identity: protocol.Identity{
			UUID:         config.LoadAgentUUID(settings.DataPath),
			DisplayName:  settings.DisplayName,
			Purpose:      settings.Purpose,
			Tags:         settings.Tags,
			Capabilities: settings.Capabilities,
		},
		Policy: pathpolicy.New(settings.AllowedPaths),
		OnUUIDAssigned: func(id string) error {
			return config.SaveAgentUUID(settings.DataPath, id)
		},
	})
	if err != nil {
		log.Fatalf("Tunnel init: %v", err)
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ag.Run(sigCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Tunnel: %v", err)
	}
	log.Println("Agent stopped")
}
