// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// tetherd runs one tether endpoint. It advertises or discovers a
// service, accepts every connection it is offered, requests a
// connection to every endpoint it discovers, and logs the byte
// payloads it receives. With --send it sends a message to each
// endpoint once the connection is up.
//
// Configuration comes from --config, else from the file named by
// TETHER_CONFIG, else from built-in defaults.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/tether/api"
	"github.com/bureau-foundation/tether/core"
	"github.com/bureau-foundation/tether/lib/config"
	"github.com/bureau-foundation/tether/lib/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "tetherd: %v\n", err)
		os.Exit(1)
	}
}

type flags struct {
	configPath  string
	name        string
	serviceID   string
	advertise   bool
	discover    bool
	send        string
	showVersion bool
	logLevel    string
}

func parseFlags(args []string) (*flags, error) {
	var f flags
	flagSet := pflag.NewFlagSet("tetherd", pflag.ContinueOnError)
	flagSet.StringVar(&f.configPath, "config", "", "path to tether.yaml (default: $TETHER_CONFIG, else built-in defaults)")
	flagSet.StringVar(&f.name, "name", "", "endpoint info shown to peers (default: hostname)")
	flagSet.StringVar(&f.serviceID, "service-id", "com.example.tether", "service to advertise or discover")
	flagSet.BoolVar(&f.advertise, "advertise", false, "advertise the service and accept connections")
	flagSet.BoolVar(&f.discover, "discover", false, "discover the service and connect to every endpoint found")
	flagSet.StringVar(&f.send, "send", "", "message to send to each connected endpoint")
	flagSet.BoolVar(&f.showVersion, "version", false, "print version information and exit")
	flagSet.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error (overrides log.level)")
	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if extra := flagSet.Args(); len(extra) > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", extra[0])
	}
	return &f, nil
}

// loadConfig reads the configuration and applies flag overrides.
func loadConfig(f *flags) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	switch {
	case f.configPath != "":
		cfg, err = config.LoadFile(f.configPath)
	case os.Getenv("TETHER_CONFIG") != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
	}
	if err != nil {
		return nil, err
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseLevel(name string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func run(args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if f.showVersion {
		fmt.Println("tetherd", version.Info())
		return nil
	}
	if f.advertise == f.discover {
		return errors.New("exactly one of --advertise and --discover is required")
	}

	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.Log.Level)}))
	slog.SetDefault(logger)

	if f.name == "" {
		f.name, _ = os.Hostname()
	}

	endpoint, err := core.New(cfg, core.WithLogger(logger))
	if err != nil {
		return err
	}
	defer endpoint.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d := &daemon{endpoint: endpoint, flags: f, logger: logger, failed: make(chan error, 1)}
	if f.advertise {
		endpoint.StartAdvertising(f.serviceID, api.AdvertisingOptions{Strategy: api.StrategyCluster}, d.requestInfo(), d.mustSucceed("start advertising"))
	} else {
		listener := api.DiscoveryListener{EndpointFound: d.onEndpointFound, EndpointLost: d.onEndpointLost}
		endpoint.StartDiscovery(f.serviceID, api.DiscoveryOptions{Strategy: api.StrategyCluster}, listener, d.mustSucceed("start discovery"))
	}
	logger.Info("tetherd running", "endpoint", endpoint.LocalEndpointID(), "service", f.serviceID, "version", version.Version)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case err := <-d.failed:
		return err
	}
}

// daemon holds the event handlers of a running tetherd.
type daemon struct {
	endpoint *core.Core
	flags    *flags
	logger   *slog.Logger
	failed   chan error
}

func (d *daemon) mustSucceed(operation string) api.ResultCallback {
	return func(status api.Status) {
		if status.Ok() {
			return
		}
		select {
		case d.failed <- fmt.Errorf("%s: %v", operation, status):
		default:
		}
	}
}

func (d *daemon) logStatus(operation, endpointID string) api.ResultCallback {
	return func(status api.Status) {
		if !status.Ok() {
			d.logger.Warn(operation+" failed", "endpoint", endpointID, "status", status)
		}
	}
}

func (d *daemon) requestInfo() api.ConnectionRequestInfo {
	return api.ConnectionRequestInfo{
		EndpointInfo: []byte(d.flags.name),
		Listener: api.ConnectionListener{
			Initiated:        d.onInitiated,
			Accepted:         d.onAccepted,
			Rejected:         d.onRejected,
			Disconnected:     d.onDisconnected,
			BandwidthChanged: d.onBandwidthChanged,
		},
	}
}

func (d *daemon) onEndpointFound(endpointID string, info []byte, serviceID string) {
	d.logger.Info("endpoint found", "endpoint", endpointID, "name", string(info), "service", serviceID)
	d.endpoint.RequestConnection(endpointID, d.requestInfo(), api.ConnectionOptions{}, d.logStatus("request connection", endpointID))
}

func (d *daemon) onEndpointLost(endpointID string) {
	d.logger.Info("endpoint lost", "endpoint", endpointID)
}

func (d *daemon) onInitiated(endpointID string, info api.ConnectionResponseInfo) {
	d.logger.Info("connection initiated",
		"endpoint", endpointID,
		"name", string(info.RemoteEndpointInfo),
		"auth_digits", info.AuthenticationDigits,
		"incoming", info.IsIncoming,
		"medium", info.Medium,
	)
	listener := api.PayloadListener{Payload: d.onPayload, PayloadProgress: d.onPayloadProgress}
	d.endpoint.AcceptConnection(endpointID, listener, d.logStatus("accept connection", endpointID))
}

func (d *daemon) onAccepted(endpointID string) {
	d.logger.Info("connected", "endpoint", endpointID)
	if d.flags.send == "" {
		return
	}
	d.endpoint.SendPayload([]string{endpointID}, api.BytesPayload([]byte(d.flags.send)), d.logStatus("send payload", endpointID))
}

func (d *daemon) onRejected(endpointID string, status api.Status) {
	d.logger.Info("connection rejected", "endpoint", endpointID, "status", status)
}

func (d *daemon) onDisconnected(endpointID string) {
	d.logger.Info("disconnected", "endpoint", endpointID)
}

func (d *daemon) onBandwidthChanged(endpointID string, m api.Medium) {
	d.logger.Info("bandwidth changed", "endpoint", endpointID, "medium", m)
}

func (d *daemon) onPayloadProgress(endpointID string, progress api.PayloadProgress) {
	if progress.Status != api.PayloadInProgress {
		d.logger.Debug("payload settled", "endpoint", endpointID, "payload", progress.PayloadID, "status", progress.Status)
	}
}

func (d *daemon) onPayload(endpointID string, payload api.Payload) {
	switch payload.Type() {
	case api.PayloadBytes:
		data, _ := payload.Bytes()
		d.logger.Info("message received", "endpoint", endpointID, "message", string(data))
	case api.PayloadFile:
		path, _, _ := payload.File()
		d.logger.Info("file incoming", "endpoint", endpointID, "path", path)
	default:
		d.logger.Info("payload received", "endpoint", endpointID, "payload", payload)
	}
}
