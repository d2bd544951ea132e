// Command bdtd runs one BDT/NDN stack node: it loads or generates a local
// identity, binds the UDP socket, and serves ping/call/tunnel/channel
// traffic until interrupted. Adapted from the teacher's daemon/main.go
// construction order, generalized from a QUIC chunk-transfer daemon to a
// bare BDT stack node.
package main

import (
	"context"
	"crypto/ed25519"
	"flag"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/cyfs-io/bdt/internal/config"
	"github.com/cyfs-io/bdt/internal/crypto"
	"github.com/cyfs-io/bdt/internal/object"
	"github.com/cyfs-io/bdt/internal/observability"
	"github.com/cyfs-io/bdt/internal/pn"
	"github.com/cyfs-io/bdt/internal/stack"
)

func main() {
	udpAddr := flag.String("udp-addr", "", "UDP listen address, overrides config")
	observAddr := flag.String("observ-addr", "127.0.0.1:8081", "metrics/health server address")
	keysDir := flag.String("keys-dir", "", "identity key directory, overrides config")
	configPath := flag.String("config", "", "path to a config file")
	pnRelay := flag.String("pn-relay", "", "passive-proxy-node relay address, overrides config")
	pnListen := flag.String("pn-listen", "", "if set, also run a PN relay on this address")
	flag.Parse()

	logger := observability.NewLogger("bdtd", "1.0.0", os.Stdout)
	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker("1.0.0")

	logger.Info("bdtd starting")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal(err, "failed to load config")
	}
	if *udpAddr != "" {
		cfg.UDPAddress = *udpAddr
	}
	if *keysDir != "" {
		cfg.KeysDirectory = *keysDir
	}
	if *pnRelay != "" {
		cfg.PNRelayAddress = *pnRelay
	}
	if *pnListen != "" {
		cfg.QUICAddress = *pnListen
	}

	signer, identity, err := loadOrCreateIdentity(cfg.KeysDirectory)
	if err != nil {
		logger.Fatal(err, "failed to load identity")
	}
	local := &object.Device{PublicKey: signer.PublicKey}
	logger.Info("identity loaded: " + local.Id().String())

	health.RegisterCheck("keystore", observability.KeystoreCheck(true))

	stackCfg := stack.DefaultConfig()
	stackCfg.PNAddress = cfg.PNRelayAddress
	s, err := stack.NewStack(stackCfg, local, *identity, *signer, cfg.UDPAddress, logger, metrics)
	if err != nil {
		logger.Fatal(err, "failed to build stack")
	}
	defer s.UDP.Close()

	go startObservabilityServer(*observAddr, metrics, health, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	if cfg.QUICAddress != "" {
		go func() {
			if err := pn.ListenAndServe(ctx, cfg.QUICAddress, logger); err != nil {
				logger.Error(err, "pn relay stopped")
			}
		}()
		logger.Info("pn relay listening on " + cfg.QUICAddress)
	}

	logger.Info("bdtd running on " + cfg.UDPAddress)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	cancel()
}

func startObservabilityServer(addr string, metrics *observability.Metrics, health *observability.HealthChecker, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", health.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	server := &http.Server{Addr: addr, Handler: mux}
	logger.Info("observability server listening on " + addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "observability server error")
	}
}

const (
	identityKeyFile = "identity.key"
	dhKeyFile       = "identity.x25519"
)

// loadOrCreateIdentity loads the Ed25519 signing key and X25519 DH key
// from dir, generating and persisting both on first run, so a restart
// keeps the same device id and the same key other peers have exchanged
// with.
func loadOrCreateIdentity(dir string) (*crypto.Ed25519KeyPair, *crypto.X25519KeyPair, error) {
	if dir == "" {
		dir = crypto.GetDefaultKeystorePath()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, nil, err
	}
	keyPath := filepath.Join(dir, identityKeyFile)
	insecurePath := keyPath + ".insecure"
	dhPath := filepath.Join(dir, dhKeyFile)

	var signer *crypto.Ed25519KeyPair
	if priv, err := crypto.LoadKey(insecurePath, ""); err == nil {
		pk := ed25519.PrivateKey(priv)
		signer = &crypto.Ed25519KeyPair{PrivateKey: pk, PublicKey: pk.Public().(ed25519.PublicKey)}
	}
	if signer == nil {
		kp, err := crypto.GenerateEd25519()
		if err != nil {
			return nil, nil, err
		}
		if err := crypto.SaveKey(kp.PrivateKey, keyPath, ""); err != nil {
			return nil, nil, err
		}
		signer = kp
	}

	identity, err := loadOrCreateX25519(dhPath)
	if err != nil {
		return nil, nil, err
	}
	return signer, identity, nil
}

func loadOrCreateX25519(path string) (*crypto.X25519KeyPair, error) {
	if raw, err := os.ReadFile(path); err == nil && len(raw) == 32 {
		var kp crypto.X25519KeyPair
		copy(kp.PrivateKey[:], raw)
		pub, err := crypto.X25519Exchange(&kp.PrivateKey, &basepoint)
		if err == nil {
			kp.PublicKey = pub
			return &kp, nil
		}
	}

	kp, err := crypto.GenerateX25519()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, kp.PrivateKey[:], 0600); err != nil {
		return nil, err
	}
	return kp, nil
}

// basepoint is curve25519's standard base point, used to re-derive a
// stored X25519 public key from its private key on load.
var basepoint = [32]byte{9}
