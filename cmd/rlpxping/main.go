// Package main provides the rlpxping command: a single-shot handshake client
// that dials one Ethereum node, completes the RLPx key agreement, exchanges
// greeting messages and disconnects cleanly.
//
// The node is named by a record string of the form
// <64-byte-hex-public-key>@<host>:<port>, optionally with an enode://
// prefix. The process exits 0 on a clean handshake and teardown; failures
// exit non-zero with the error classification on the diagnostics output.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rlpxping/enode"
	"github.com/opd-ai/rlpxping/session"
)

// CLI configuration
type cliConfig struct {
	nodeRecord     string
	connectTimeout time.Duration
	readTimeout    time.Duration
	logLevel       string
}

// Exit codes by failure classification.
var exitCodes = map[session.Kind]int{
	session.KindNone:      0,
	session.KindTransport: 1,
	session.KindInput:     2,
	session.KindTimeout:   3,
	session.KindHandshake: 4,
	session.KindProtocol:  5,
}

func parseFlags() *cliConfig {
	defaults := session.DefaultConfig()
	cfg := &cliConfig{}
	flag.StringVar(&cfg.nodeRecord, "node", "", "node record to dial (<hex-id>@<host>:<port>)")
	flag.DurationVar(&cfg.connectTimeout, "connect-timeout", defaults.ConnectTimeout, "TCP connect deadline")
	flag.DurationVar(&cfg.readTimeout, "timeout", defaults.ReadTimeout, "handshake and greeting receive deadline")
	flag.StringVar(&cfg.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	// Allow the record as a bare positional argument as well.
	if cfg.nodeRecord == "" && flag.NArg() == 1 {
		cfg.nodeRecord = flag.Arg(0)
	}
	return cfg
}

func setupLogging(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logrus.SetLevel(lvl)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return nil
}

func run(cfg *cliConfig) error {
	if cfg.nodeRecord == "" {
		flag.Usage()
		return fmt.Errorf("%w: no node record given", enode.ErrInvalidRecord)
	}

	record, err := enode.ParseRecord(cfg.nodeRecord)
	if err != nil {
		return err
	}

	// A fresh identity per invocation; this client has no persistent peers.
	key, err := crypto.GenerateKey()
	if err != nil {
		return fmt.Errorf("generate identity key: %w", err)
	}

	sessCfg := session.DefaultConfig()
	sessCfg.ConnectTimeout = cfg.connectTimeout
	sessCfg.ReadTimeout = cfg.readTimeout

	logrus.WithFields(logrus.Fields{
		"peer":            record.Addr(),
		"connect_timeout": cfg.connectTimeout,
		"timeout":         cfg.readTimeout,
	}).Info("Starting handshake session")

	sess := session.New(record, key, sessCfg)
	if err := sess.Run(context.Background()); err != nil {
		return err
	}

	logrus.Info("Session completed successfully")
	return nil
}

func main() {
	cfg := parseFlags()
	if err := setupLogging(cfg.logLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := run(cfg); err != nil {
		kind := session.Classify(err)
		logrus.WithFields(logrus.Fields{
			"error": err,
			"kind":  kind.String(),
		}).Error("Session failed")
		if code, ok := exitCodes[kind]; ok {
			os.Exit(code)
		}
		os.Exit(1)
	}
}
