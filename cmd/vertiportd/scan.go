package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/marcus-qen/vertiport/internal/discovery"
)

func newScanCommand() *cobra.Command {
	var (
		port        int
		timeout     time.Duration
		concurrency int
		local       string
	)
	cmd := &cobra.Command{
		Use:          "scan",
		Short:        "Sweep the local /24 for vertiport controllers and print responders",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.DevicePort = port
			}
			if cmd.Flags().Changed("timeout") {
				cfg.ProbeTimeout = timeout
			}
			if cmd.Flags().Changed("concurrency") {
				cfg.ScanConcurrency = concurrency
			}
			if local != "" {
				cfg.LocalAddress = local
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			scanner := discovery.NewScanner(
				discovery.DefaultProvider(cfg.LocalAddress),
				discovery.NewTCPProber(cfg.ProbeTimeout),
				zap.NewNop(),
			)
			scanner.MaxConcurrency = cfg.ScanConcurrency

			bar := progressbar.NewOptions(discovery.HostsPerSubnet,
				progressbar.OptionSetWriter(cmd.ErrOrStderr()),
				progressbar.OptionEnableColorCodes(true),
				progressbar.OptionShowBytes(false),
				progressbar.OptionSetWidth(30),
				progressbar.OptionSetDescription("[cyan][scanning][reset]"),
				progressbar.OptionSetTheme(progressbar.Theme{
					Saucer:        "[green]=[reset]",
					SaucerHead:    "[green]>[reset]",
					SaucerPadding: " ",
					BarStart:      "[",
					BarEnd:        "]",
				}),
			)
			scanner.OnProbe = func(discovery.ProbeResult) { _ = bar.Add(1) }

			out := cmd.OutOrStdout()
			var outcome *discovery.Outcome
			for ev := range scanner.Start(cmd.Context(), cfg.DevicePort) {
				switch ev.Kind {
				case discovery.EventFound:
					_ = bar.Clear()
					color.New(color.FgGreen).Fprintf(out, "[+] %s (device 0x%02x)\n", ev.Address, ev.DeviceID)
				case discovery.EventCompleted:
					outcome = ev.Outcome
				}
			}
			_ = bar.Finish()
			fmt.Fprintln(out)

			if outcome.Err != nil {
				color.New(color.FgRed).Fprintf(out, "[-] scan failed: %v\n", outcome.Err)
				return outcome.Err
			}
			if !outcome.Found {
				color.New(color.FgYellow).Fprintf(out, "[-] no devices found on %s\n", outcome.Subnet)
				return nil
			}
			color.New(color.FgCyan).Fprintf(out, "[+] %d device(s) on %s in %s\n",
				len(outcome.Discovered), outcome.Subnet, outcome.Duration().Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 502, "Device TCP port")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Second, "Per-host probe timeout")
	cmd.Flags().IntVar(&concurrency, "concurrency", discovery.HostsPerSubnet, "Maximum simultaneous probes")
	cmd.Flags().StringVar(&local, "local-address", "", "Scan the /24 of this address instead of detecting it")
	return cmd
}
