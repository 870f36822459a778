// Command kscope is the thin CLI front end that wires the secure channel
// core (wire, crypto, transport, device, dataplane, session) into a
// runnable client or server process. Config file parsing, key generation,
// and routing are explicitly out of the core's scope per §1 of the
// specification; this binary is the minimal layer above it that makes
// the core exercisable, in the spirit of the teacher's own main.go.
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kscope-vpn/kscope/config"
	"github.com/kscope-vpn/kscope/crypto"
	"github.com/kscope-vpn/kscope/internal/audit"
	"github.com/kscope-vpn/kscope/internal/logging"
	"github.com/kscope-vpn/kscope/internal/management"
	"github.com/kscope-vpn/kscope/kerr"
	"github.com/kscope-vpn/kscope/session"
)

// Exit codes from §6: 0 clean shutdown, 1 configuration error, 2
// handshake failure after all retries, 3 fatal I/O on device or socket.
const (
	exitOK             = 0
	exitConfigError    = 1
	exitHandshakeFatal = 2
	exitIOFatal        = 3
)

func main() {
	var cfgPath string
	var overrideMode string
	var genKey bool
	flag.StringVar(&cfgPath, "config", "kscope.conf", "path to the key=value configuration file")
	flag.StringVar(&overrideMode, "mode", "", "override the configured mode (client/server)")
	flag.BoolVar(&genKey, "genkey", false, "generate a Curve25519 keypair and print it to stdout, then exit")
	flag.Parse()

	if genKey {
		if err := runGenKey(); err != nil {
			fmt.Fprintln(os.Stderr, "kscope: genkey:", err)
			os.Exit(exitConfigError)
		}
		os.Exit(exitOK)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "kscope: config:", err)
		os.Exit(exitConfigError)
	}
	if overrideMode != "" {
		cfg.Mode = config.Mode(strings.ToLower(overrideMode))
	}

	logger := logging.New(logging.ParseLevel(cfg.NormalisedLevel()), os.Stdout).
		With(map[string]interface{}{"component": "kscope", "role": string(cfg.Mode)})

	auditLogger, err := audit.New(audit.Config{OutputPath: "stdout", BufferSize: 256})
	if err != nil {
		logger.Error("failed to start audit logger", map[string]interface{}{"error": err.Error()})
		os.Exit(exitConfigError)
	}
	defer auditLogger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup := session.New(cfg, logger, auditLogger)

	mgmt, err := management.New(cfg.ManagementBind, func() interface{} {
		return sup.Snapshot()
	}, logger, management.WithMetrics(sup.Metrics))
	if err != nil {
		logger.Error("failed to start management server", map[string]interface{}{"error": err.Error()})
		os.Exit(exitConfigError)
	}
	mgmt.Start()

	go func() {
		<-ctx.Done()
		sup.Stop()
	}()

	runErr := sup.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := mgmt.Close(shutdownCtx); err != nil {
		logger.Warn("management server close error", map[string]interface{}{"error": err.Error()})
	}

	os.Exit(exitCodeFor(runErr, logger))
}

func exitCodeFor(err error, logger *logging.Logger) int {
	if err == nil {
		return exitOK
	}
	switch {
	case errors.Is(err, kerr.ErrHandshakeTimeout):
		logger.Error("handshake failed after all retries", map[string]interface{}{"error": err.Error()})
		return exitHandshakeFatal
	case errors.Is(err, kerr.ErrDeviceClosed), errors.Is(err, kerr.ErrSocketClosed):
		logger.Error("fatal I/O on device or socket", map[string]interface{}{"error": err.Error()})
		return exitIOFatal
	default:
		logger.Error("exiting on error", map[string]interface{}{"error": err.Error()})
		return exitIOFatal
	}
}

// runGenKey implements the minimal key-generation subcommand §9 keeps
// out of the core but a runnable repo still ships: a fresh Curve25519
// keypair from the CSPRNG, printed as the base64 values an operator
// assembles into the three-line key files §6 defines.
func runGenKey() error {
	kp, err := crypto.GenerateKeypair()
	if err != nil {
		return err
	}
	fmt.Printf("PRIVATE=%s\n", base64.StdEncoding.EncodeToString(kp.Private[:]))
	fmt.Printf("PUBLIC=%s\n", base64.StdEncoding.EncodeToString(kp.Public[:]))
	return nil
}

const shutdownGrace = 3 * time.Second
