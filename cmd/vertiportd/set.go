package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/marcus-qen/vertiport/internal/connection"
)

func newSetCommand() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:          "set <host> <pad> <status> <r> <g> <b>",
		Short:        "Send one vertiport command to a controller",
		Args:         cobra.ExactArgs(6),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.DevicePort = port
			}
			values, err := parseBytes(args[1:])
			if err != nil {
				return err
			}

			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			cfg.AutoConnect = false
			ctrl := newController(cfg, logger)
			defer ctrl.Close()

			if err := ctrl.Connect(cmd.Context(), args[0], cfg.DevicePort); err != nil {
				return err
			}
			if st := ctrl.Status(); st.State != connection.Connected.String() {
				return fmt.Errorf("device %s unreachable (%s)", st.Address, st.State)
			}

			out := cmd.OutOrStdout()
			err = ctrl.SetVertiport(cmd.Context(), values[0], values[1], values[2], values[3], values[4])
			if errors.Is(err, connection.ErrSendFailed) {
				color.New(color.FgYellow).Fprintf(out, "[!] command not delivered: %v\n", err)
				return err
			}
			if err != nil {
				return err
			}
			color.New(color.FgGreen).Fprintf(out, "[+] pad %d set to status %d rgb #%02x%02x%02x\n",
				values[0], values[1], values[2], values[3], values[4])
			return nil
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 502, "Device TCP port")
	return cmd
}

// parseBytes parses decimal or 0x-prefixed integers. Leading zeros are
// decimal, as in addresses. Range checks are left to the controller so the
// error wording matches the API.
func parseBytes(args []string) ([]int, error) {
	out := make([]int, 0, len(args))
	for _, a := range args {
		digits, base := a, 10
		if len(a) > 2 && (a[:2] == "0x" || a[:2] == "0X") {
			digits, base = a[2:], 16
		}
		v, err := strconv.ParseInt(digits, base, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", a)
		}
		out = append(out, int(v))
	}
	return out, nil
}
