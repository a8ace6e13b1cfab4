// Command agent runs the SMP agent runtime standalone: it loads (or
// generates) its identity key, opens its SQLite store, and keeps its
// connections alive until told to shut down.
//
// Grounded on the teacher's cmd/relay/main.go: flag parsing, a startup
// banner, load-or-generate key handling, a periodic status heartbeat,
// and signal.Notify-based graceful shutdown, all carried over and
// retargeted from the teacher's RSA relay key to this agent's X3DH
// identity key pair.
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/simplex-agent/smpagent/pkg/agent"
	"github.com/simplex-agent/smpagent/pkg/agent/relayclient"
	"github.com/simplex-agent/smpagent/pkg/config"
	"github.com/simplex-agent/smpagent/pkg/event"
	"github.com/simplex-agent/smpagent/pkg/ratchet"
	"github.com/simplex-agent/smpagent/pkg/store/sqlitestore"
)

const heartbeatInterval = 5 * time.Minute

func main() {
	var (
		configPath   = flag.String("config", "./agent.toml", "path to the agent's TOML config file")
		identityPath = flag.String("identity", "./keys/identity.key", "path to the agent's identity key file")
		dbPath       = flag.String("db", "./data/agent.db", "path to the agent's SQLite store")
		genKey       = flag.Bool("genkey", false, "force generation of a new identity key, overwriting any existing one")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stdout, nil))
	printBanner()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load config", "path", *configPath, "err", err)
		os.Exit(1)
	}

	identity, err := loadOrGenerateIdentity(*identityPath, *genKey)
	if err != nil {
		log.Error("failed to load/generate identity key", "err", err)
		os.Exit(1)
	}
	log.Info("identity key ready", "path", *identityPath)

	st, err := sqlitestore.Open(*dbPath)
	if err != nil {
		log.Error("failed to open store", "path", *dbPath, "err", err)
		os.Exit(1)
	}
	defer st.Close()
	log.Info("store opened", "path", *dbPath)

	relay := relayclient.New(identity)
	sink := event.SinkFunc(func(e event.Event) {
		if e.Kind == event.KindErr || e.Kind == event.KindCritical {
			log.Warn("agent event", "kind", e.Kind, "conn_id", e.ConnId, "err", e.Err)
			return
		}
		log.Info("agent event", "kind", e.Kind, "conn_id", e.ConnId)
	})

	a := agent.New(st, relay, sink, cfg, log)
	log.Info("agent started", "smp_servers", len(cfg.SMPServers))

	ctx, cancel := context.WithCancel(context.Background())
	go heartbeatLoop(ctx, log, a)

	waitForShutdown(log, cancel)
}

func printBanner() {
	fmt.Println("================================================")
	fmt.Println(" SMP Agent")
	fmt.Println(" duplex, end-to-end-encrypted relay messaging")
	fmt.Println("================================================")
	fmt.Println()
}

// loadOrGenerateIdentity loads an existing identity key file, or
// generates and persists a fresh one if generate is true or none
// exists. The file format is a 4-byte header holding the big-endian
// 16-bit lengths of the signing public and private keys, followed by
// those two keys and the 32-byte DH public and private keys; there is no
// version byte because the agent only ever reads a file it wrote itself.
func loadOrGenerateIdentity(path string, generate bool) (*ratchet.IdentityKeyPair, error) {
	if !generate {
		if raw, err := os.ReadFile(path); err == nil {
			return decodeIdentity(raw)
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	identity, err := ratchet.GenerateIdentityKeyPair()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dirOf(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, encodeIdentity(identity), 0o600); err != nil {
		return nil, err
	}
	return identity, nil
}

func encodeIdentity(identity *ratchet.IdentityKeyPair) []byte {
	out := make([]byte, 0, 4+len(identity.SignPub)+len(identity.SignPriv)+64)
	var lens [4]byte
	binary.BigEndian.PutUint16(lens[0:2], uint16(len(identity.SignPub)))
	binary.BigEndian.PutUint16(lens[2:4], uint16(len(identity.SignPriv)))
	out = append(out, lens[:]...)
	out = append(out, identity.SignPub...)
	out = append(out, identity.SignPriv...)
	out = append(out, identity.DHPub[:]...)
	out = append(out, identity.DHPriv[:]...)
	return out
}

func decodeIdentity(raw []byte) (*ratchet.IdentityKeyPair, error) {
	if len(raw) < 4 {
		return nil, errors.New("agent: identity key file too short")
	}
	signPubLen := int(binary.BigEndian.Uint16(raw[0:2]))
	signPrivLen := int(binary.BigEndian.Uint16(raw[2:4]))
	rest := raw[4:]
	if len(rest) != signPubLen+signPrivLen+64 {
		return nil, errors.New("agent: identity key file malformed")
	}
	identity := &ratchet.IdentityKeyPair{
		SignPub:  append([]byte(nil), rest[:signPubLen]...),
		SignPriv: append([]byte(nil), rest[signPubLen:signPubLen+signPrivLen]...),
	}
	copy(identity.DHPub[:], rest[signPubLen+signPrivLen:signPubLen+signPrivLen+32])
	copy(identity.DHPriv[:], rest[signPubLen+signPrivLen+32:])
	return identity, nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

func heartbeatLoop(ctx context.Context, log *slog.Logger, a *agent.Agent) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Info("heartbeat", "smp_servers", len(a.Cfg.SMPServers))
		}
	}
}

func waitForShutdown(log *slog.Logger, cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	cancel()
	log.Info("stopped")
}
