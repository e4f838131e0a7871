package cmd

import (
	"fmt"
	"time"

	"github.com/cretz/omm/pkg/codec"
	"github.com/cretz/omm/pkg/consumer"
	"github.com/cretz/omm/pkg/omm"
	"github.com/cretz/omm/pkg/rdm"
	"github.com/cretz/omm/pkg/stream"
	"github.com/spf13/cobra"
)

func consumeCmd() *cobra.Command {
	var items []string
	var service, domain, metricsAddr string
	var snapshot bool
	cmd := applyRun(
		&cobra.Command{
			Use:   "consume",
			Short: "Request items from a provider and print what arrives",
		},
		map[string]string{
			"address":   "consumer.address",
			"channel":   "consumer.channel",
			"user":      "consumer.user_name",
			"download":  "consumer.download_dictionary",
			"reconnect": "consumer.reconnect_attempts",
		},
		func(ctx *rootContext) error {
			domainType, err := omm.ParseDomainType(domain)
			if err != nil {
				return err
			}
			config, err := ctx.config.Consumer.ToConsumer(ctx.log, ctx.serveMetrics(metricsAddr, "consumer"))
			if err != nil {
				return err
			}
			// Closed once every snapshot has finished
			done := make(chan struct{})
			remaining := len(items)
			var c consumer.Consumer
			client := &consumer.ClientFuncs{OnAll: func(m *omm.Msg, e *consumer.Event) {
				name, _ := e.Closure.(string)
				switch m.Class {
				case omm.ClassRefresh, omm.ClassUpdate:
					text := ""
					if l, ok := m.Payload.(*codec.FieldList); ok {
						text = rdm.FormatFieldList(c.Dictionary(), l)
					}
					fmt.Fprintf(ctx.cmd.OutOrStdout(), "%v %v %v\n", m.Class, name, text)
				case omm.ClassStatus:
					fmt.Fprintf(ctx.cmd.OutOrStdout(), "%v %v %v\n", m.Class, name, m.State)
				}
				if e.State == stream.StateClosed || e.State == stream.StateClosedRecover {
					if remaining--; remaining == 0 {
						close(done)
					}
				}
			}}
			if c, err = consumer.New(config); err != nil {
				return fmt.Errorf("failed creating consumer: %w", err)
			}
			defer c.Close()
			if err := c.Connect(ctx); err != nil {
				return fmt.Errorf("failed connecting: %w", err)
			}
			for _, item := range items {
				req := stream.Request{Domain: domainType, Name: item, ServiceName: service, Snapshot: snapshot}
				if _, err := c.Register(req, client, item); err != nil {
					return fmt.Errorf("failed registering %v: %w", item, err)
				}
			}
			if config.DispatchMode == consumer.UserDispatch {
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-done:
						return nil
					default:
					}
					if _, err := c.Dispatch(100 * time.Millisecond); err != nil {
						return err
					}
				}
			}
			select {
			case <-ctx.Done():
			case <-done:
			}
			return nil
		},
	)
	cmd.Flags().StringSliceVarP(&items, "item", "i", nil, "Item names to request")
	cmd.Flags().StringVarP(&service, "service", "s", "DIRECT_FEED", "Service name")
	cmd.Flags().StringVar(&domain, "domain", "MarketPrice", "Item domain")
	cmd.Flags().BoolVar(&snapshot, "snapshot", false, "Exit after every item has its refresh")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "If set, address to serve prometheus metrics on")
	cmd.Flags().String("address", "", "Provider host:port, or ws:// URL for websocket")
	cmd.Flags().String("channel", "", "Channel type (tcp or websocket)")
	cmd.Flags().StringP("user", "u", "", "Login user name")
	cmd.Flags().Bool("download", false, "Download the field dictionary from the provider")
	cmd.Flags().Int("reconnect", 0, "Reconnect attempts, negative for forever")
	cmd.MarkFlagRequired("item")
	return cmd
}
