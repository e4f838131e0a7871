package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cretz/omm/pkg/discovery"
	"github.com/spf13/cobra"
)

func discoverCmd() *cobra.Command {
	var timeout time.Duration
	cmd := applyRun(
		&cobra.Command{
			Use:   "discover",
			Short: "List providers advertised over mDNS",
		},
		nil,
		func(ctx *rootContext) error {
			browseCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			endpoints, err := discovery.Browse(browseCtx, ctx.log)
			if err != nil {
				return err
			}
			if len(endpoints) == 0 {
				ctx.log.Infof("No providers found")
			}
			for _, e := range endpoints {
				line := fmt.Sprintf("%v %v services=%v", e.Instance, e.Addr(), strings.Join(e.Services, ","))
				if e.WebSocketPort != 0 {
					line += fmt.Sprintf(" ws=%v", e.WebSocketPort)
				}
				fmt.Fprintln(ctx.cmd.OutOrStdout(), line)
			}
			return nil
		},
	)
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 3*time.Second, "How long to browse")
	return cmd
}
