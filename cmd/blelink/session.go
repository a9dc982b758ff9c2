package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/metrics"
	"github.com/srg/blelink/pkg/ble"
	"github.com/srg/blelink/pkg/config"
)

// session bundles what every radio command needs.
type session struct {
	cfg    *config.Config
	logger *logrus.Logger
	client *ble.Client
	ctx    context.Context
	stop   context.CancelFunc
}

// loadConfig reads --config, or the defaults when it is not set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

// openSession loads configuration, builds the logger and opens the radio.
// The session context is cancelled on Ctrl+C.
func openSession(cmd *cobra.Command, fallback logrus.Level, m *metrics.Metrics) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := configureLogger(cmd, fallback)
	if err != nil {
		return nil, err
	}

	// arguments validated, don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	opts := ble.OptionsFromConfig(cfg, logger)
	opts.Metrics = m
	client := ble.NewClient(ctx, opts)

	if !client.IsAvailable() {
		stop()
		_ = client.Close()
		return nil, device.ErrBluetoothOff
	}

	return &session{cfg: cfg, logger: logger, client: client, ctx: ctx, stop: stop}, nil
}

func (s *session) Close() {
	if err := s.client.Close(); err != nil {
		s.logger.WithError(err).Debug("Failed to close BLE client")
	}
	s.stop()
}

// scanOptions applies the configured scan defaults.
func (s *session) scanOptions() ble.ScanOptions {
	return ble.ScanOptions{
		Duration:        s.cfg.Scan.Timeout,
		AllowDuplicates: s.cfg.Scan.AllowDuplicates,
	}
}

// connect scans for address, connects and discovers its profile.
// Progress phases are reported through phase.
func (s *session) connect(address string, scan ble.ScanOptions, phase func(string)) ([]device.Service, error) {
	phase("Scanning")
	if _, err := s.client.Find(s.ctx, address, scan); err != nil {
		return nil, fmt.Errorf("device %s: %w", address, err)
	}

	phase("Connecting")
	if _, err := s.client.Connect(s.ctx, address); err != nil {
		return nil, err
	}

	phase("Discovering")
	services, err := s.client.Discover(s.ctx, address)
	if err != nil {
		s.disconnect(address)
		return nil, err
	}
	return services, nil
}

// disconnect drops the link, outliving a cancelled session context.
func (s *session) disconnect(address string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.cfg.Connect.Timeout)
	defer cancel()
	if err := s.client.Disconnect(ctx, address); err != nil {
		s.logger.WithError(err).WithField("address", address).Debug("Disconnect failed")
	}
}
