// cmd/remotepower/send.go
package main

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/signalnine/remotepower/internal/config"
	"github.com/signalnine/remotepower/internal/protocol"
)

type sendOptions struct {
	host      string
	port      uint16
	machineID string
	timeout   time.Duration
}

var sendOpts sendOptions

var sendCmd = &cobra.Command{
	Use:       "send reboot|shutdown",
	Short:     "Send a power command to a remote listener",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"reboot", "shutdown"},
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := protocol.ParseAction(args[0])
		if err != nil {
			return err
		}
		if err := config.ValidateMachineID(sendOpts.machineID); err != nil {
			return err
		}
		if err := sendCommand(sendOpts, kind); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %s:%d\n",
			protocol.CommandPath(sendOpts.machineID, kind), sendOpts.host, sendOpts.port)
		return nil
	},
}

func init() {
	sendCmd.Flags().AddFlagSet(sendFlagSet(&sendOpts))
	sendCmd.MarkFlagRequired("machine-id")
}

func sendFlagSet(o *sendOptions) *pflag.FlagSet {
	fs := pflag.NewFlagSet("send", pflag.ContinueOnError)
	fs.StringVar(&o.host, "host", "127.0.0.1", "listener host")
	fs.Uint16Var(&o.port, "port", config.DefaultPort, "listener UDP port")
	fs.StringVar(&o.machineID, "machine-id", "", "target machine identifier")
	fs.DurationVar(&o.timeout, "timeout", 5*time.Second, "write deadline")
	return fs
}

// sendCommand writes one command datagram without waiting for delivery
func sendCommand(o sendOptions, kind protocol.Kind) error {
	addr := net.JoinHostPort(o.host, strconv.Itoa(int(o.port)))
	conn, err := net.DialTimeout("udp", addr, o.timeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if o.timeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(o.timeout))
	}
	if _, err := conn.Write([]byte(protocol.CommandPath(o.machineID, kind))); err != nil {
		return fmt.Errorf("send to %s: %w", addr, err)
	}
	return nil
}
