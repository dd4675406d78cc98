// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/pion/logging"
	turn "github.com/pion/turnrelay"
	"github.com/pion/turnrelay/internal/config"
	"github.com/pion/turnrelay/internal/ipnet"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsShutdownTimeout = 5 * time.Second

var errUnknownRelayType = errors.New("unknown relay type")

// daemon is a running turn.Server plus the optional metrics endpoint.
type daemon struct {
	server  *turn.Server
	metrics *http.Server
}

func newDaemon(cfg *config.Config) (*daemon, error) {
	loggerFactory := logging.NewDefaultLoggerFactory()
	loggerFactory.DefaultLogLevel = logLevel(cfg.Logging.Level)
	log := loggerFactory.NewLogger("turnserver")

	packetConnConfigs, err := listen(cfg.Listeners)
	if err != nil {
		return nil, err
	}

	var reg *prometheus.Registry
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	serverConfig := turn.ServerConfig{
		PacketConnConfigs:     packetConnConfigs,
		LoggerFactory:         loggerFactory,
		Realm:                 cfg.Realm,
		AuthHandler:           authHandler(cfg.Auth, log),
		ChannelBindTimeout:    cfg.Server.ChannelBindTimeout,
		PermissionTimeout:     cfg.Server.PermissionTimeout,
		NonceLifetime:         cfg.Server.NonceLifetime,
		MinAllocationLifetime: cfg.Server.MinAllocationLifetime,
		MaxAllocationLifetime: cfg.Server.MaxAllocationLifetime,
		AllocationQuota:       cfg.Server.AllocationQuota,
		SweepInterval:         cfg.Server.SweepInterval,
		InboundMTU:            cfg.Server.InboundMTU,
	}
	if reg != nil {
		serverConfig.MetricsRegisterer = reg
	}

	server, err := turn.NewServer(serverConfig)
	if err != nil {
		closeConns(packetConnConfigs)

		return nil, err
	}

	d := &daemon{server: server}

	if reg != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		d.metrics = &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			if err := d.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("Metrics endpoint on %s failed: %v", cfg.Metrics.Address, err)
			}
		}()
		log.Infof("Serving metrics on http://%s/metrics", cfg.Metrics.Address)
	}

	for _, l := range cfg.Listeners {
		log.Infof("Listening on %s (relay %s)", l.Address, l.Relay.Type)
	}

	return d, nil
}

// Close stops the TURN server and the metrics endpoint.
func (d *daemon) Close() error {
	err := d.server.Close()

	if d.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()

		if shutdownErr := d.metrics.Shutdown(ctx); shutdownErr != nil && err == nil {
			err = shutdownErr
		}
	}

	return err
}

// listen binds every listener socket, releasing the ones already bound if
// one of them fails.
func listen(listeners []config.ListenerConfig) ([]turn.PacketConnConfig, error) {
	lc := net.ListenConfig{Control: ipnet.ReuseAddrControl}

	configs := make([]turn.PacketConnConfig, 0, len(listeners))
	for _, l := range listeners {
		generator, err := relayAddressGenerator(l.Relay)
		if err != nil {
			closeConns(configs)

			return nil, fmt.Errorf("listener %s: %w", l.Address, err)
		}

		conn, err := lc.ListenPacket(context.Background(), "udp4", l.Address)
		if err != nil {
			closeConns(configs)

			return nil, fmt.Errorf("failed to create TURN server listener %s: %w", l.Address, err)
		}

		configs = append(configs, turn.PacketConnConfig{
			PacketConn:            conn,
			RelayAddressGenerator: generator,
		})
	}

	return configs, nil
}

func closeConns(configs []turn.PacketConnConfig) {
	for _, c := range configs {
		_ = c.PacketConn.Close()
	}
}

func relayAddressGenerator(r config.RelayConfig) (turn.RelayAddressGenerator, error) {
	switch r.Type {
	case config.RelayNone:
		return &turn.RelayAddressGeneratorNone{Address: r.Address}, nil
	case config.RelayStatic:
		return &turn.RelayAddressGeneratorStatic{
			RelayAddress: net.ParseIP(r.RelayAddress),
			Address:      r.Address,
		}, nil
	case config.RelayPortRange:
		return &turn.RelayAddressGeneratorPortRange{
			RelayAddress: net.ParseIP(r.RelayAddress),
			Address:      r.Address,
			MinPort:      r.MinPort,
			MaxPort:      r.MaxPort,
		}, nil
	default:
		return nil, fmt.Errorf("%w %q", errUnknownRelayType, r.Type)
	}
}

// authHandler looks static users up first and falls back to time-windowed
// credentials when a shared secret is configured. It returns nil, which
// runs the server in STUN only mode, when no credentials are configured.
func authHandler(cfg config.AuthConfig, log logging.LeveledLogger) turn.AuthHandler {
	var secretHandler turn.AuthHandler
	switch {
	case cfg.SharedSecret != "" && cfg.RESTUsernames:
		secretHandler = turn.LongTermTURNRESTAuthHandler(cfg.SharedSecret, log)
	case cfg.SharedSecret != "":
		secretHandler = turn.NewLongTermAuthHandler(cfg.SharedSecret, log)
	}

	if len(cfg.Users) == 0 && secretHandler == nil {
		log.Warn("No credentials configured, allocations are refused")

		return nil
	}

	passwords := make(map[string]string, len(cfg.Users))
	for _, u := range cfg.Users {
		passwords[u.Username] = u.Password
	}

	return func(username, realm string, srcAddr net.Addr) ([]byte, bool) {
		if password, ok := passwords[username]; ok {
			return turn.GenerateAuthKey(username, realm, password), true
		}

		if secretHandler != nil {
			return secretHandler(username, realm, srcAddr)
		}

		return nil, false
	}
}

func logLevel(level string) logging.LogLevel {
	switch level {
	case "disabled":
		return logging.LogLevelDisabled
	case "error":
		return logging.LogLevelError
	case "warn":
		return logging.LogLevelWarn
	case "debug":
		return logging.LogLevelDebug
	case "trace":
		return logging.LogLevelTrace
	default:
		return logging.LogLevelInfo
	}
}
