package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"retether/internal/conf"
	"retether/internal/flog"
	"retether/internal/metrics"
	"retether/internal/relay"
	"retether/internal/socksproxy"
)

func newServeCmd() *cobra.Command {
	var configPath string
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay, accepting the device's tunnel connection and proxying its traffic",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file (defaults used if omitted)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "127.0.0.1:9090", "address to serve Prometheus metrics on")
	return cmd
}

func runServe(configPath, metricsAddr string) error {
	c, err := loadConf(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	flog.SetLevel(int(c.Log.ParseLevel()))

	listenIP, err := parseIPv4(c.Listen.Addr)
	if err != nil {
		return fmt.Errorf("listen.addr: %w", err)
	}

	proxyFor := buildProxyFor(c.SOCKS5)

	r, err := relay.New(relay.Config{
		ListenAddr:    listenIP,
		ListenPort:    c.Listen.Port,
		MTU:           c.Relay.MTU,
		SweepInterval: c.Relay.SweepInterval,
		ProxyFor:      proxyFor,
	})
	if err != nil {
		return fmt.Errorf("starting relay: %w", err)
	}

	go func() {
		if err := metrics.Serve(metricsAddr); err != nil {
			flog.Warnf("metrics server exited: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	flog.Infof("retether: listening on %s:%d", c.Listen.Addr, c.Listen.Port)
	return r.Run(ctx)
}

func loadConf(path string) (*conf.Conf, error) {
	if path == "" {
		return conf.Default(), nil
	}
	return conf.LoadFromFile(path)
}

func parseIPv4(addr string) ([4]byte, error) {
	var out [4]byte
	ip := net.ParseIP(addr)
	if ip == nil {
		return out, fmt.Errorf("invalid address %q", addr)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return out, fmt.Errorf("address %q is not IPv4", addr)
	}
	copy(out[:], ip4)
	return out, nil
}

// buildProxyFor wires the configured upstream SOCKS5 proxies into a single
// lookup. Only the first configured proxy is honored today — selecting
// between several by destination would need per-destination routing rules
// this config surface does not yet expose.
func buildProxyFor(proxies []conf.SOCKS5) relay.ProxyFor {
	if len(proxies) == 0 {
		return nil
	}
	ep := socksproxy.Endpoint{
		Addr:     proxies[0].Addr,
		User:     proxies[0].User,
		Password: proxies[0].Password,
	}
	return socksproxy.WithCache(socksproxy.Static(ep), 5*time.Minute)
}
