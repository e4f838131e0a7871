package cmd

import (
	"fmt"
	"sort"
	"time"

	"github.com/cretz/omm/pkg/codec"
	"github.com/cretz/omm/pkg/dictionary"
	"github.com/cretz/omm/pkg/provider"
	"github.com/spf13/cobra"
)

func provideCmd() *cobra.Command {
	var metricsAddr string
	var tick time.Duration
	cmd := applyRun(
		&cobra.Command{
			Use:   "provide",
			Short: "Serve the configured services and item images",
		},
		map[string]string{
			"listen":    "provider.listen_addr",
			"websocket": "provider.websocket_addr",
			"advertise": "provider.advertise",
		},
		func(ctx *rootContext) error {
			config, err := ctx.config.Provider.ToProvider(ctx.log, ctx.serveMetrics(metricsAddr, "provider"))
			if err != nil {
				return err
			}
			p, err := provider.New(config)
			if err != nil {
				return fmt.Errorf("failed creating provider: %w", err)
			}
			defer p.Close()
			dict := config.Dictionary
			if dict == nil {
				dict = dictionary.Default()
			}
			images, err := ctx.config.Provider.Images(dict)
			if err != nil {
				return err
			}
			for key, image := range images {
				if err := p.SetImage(key, image); err != nil {
					return fmt.Errorf("failed setting image %v: %w", key.Name, err)
				}
			}
			// Start server listen
			s, err := provider.Listen(ctx.config.Provider.ToServer(p, ctx.log))
			if err != nil {
				return fmt.Errorf("failed starting server: %w", err)
			}
			defer s.Close()
			ctx.log.Infof("Listening on %v", s.Addr())
			// Run server in background
			errCh := make(chan error, 1)
			go func() { errCh <- s.Serve() }()
			var tickCh <-chan time.Time
			if tick > 0 {
				ticker := time.NewTicker(tick)
				defer ticker.Stop()
				tickCh = ticker.C
			}
			// Wait for context done or error, publishing on every tick
			for {
				select {
				case <-ctx.Done():
					return nil
				case err := <-errCh:
					return fmt.Errorf("server failed: %w", err)
				case <-tickCh:
					if err := publishTicks(p, images); err != nil {
						return err
					}
				}
			}
		},
	)
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "If set, address to serve prometheus metrics on")
	cmd.Flags().DurationVar(&tick, "tick", 0, "If set, every real field of every item moves by one unit this often")
	cmd.Flags().String("listen", "", "TCP listen address")
	cmd.Flags().String("websocket", "", "If set, websocket listen address")
	cmd.Flags().Bool("advertise", false, "Advertise over mDNS")
	return cmd
}

// publishTicks bumps every real field of the images in place and publishes
// the changed fields.
func publishTicks(p provider.Provider, images map[provider.ItemKey]*codec.FieldList) error {
	keys := make([]provider.ItemKey, 0, len(images))
	for key := range images {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Name < keys[j].Name })
	for _, key := range keys {
		update := new(codec.FieldList)
		for i, entry := range images[key].Entries {
			if entry.Value.Type != codec.DataTypeReal || entry.Value.Blank {
				continue
			}
			v := codec.RealValue(entry.Value.Real.Mantissa+1, entry.Value.Real.Hint)
			images[key].Entries[i].Value = v
			update.Add(entry.FieldID, v)
		}
		if len(update.Entries) == 0 {
			continue
		}
		if _, err := p.Publish(key, update); err != nil {
			return fmt.Errorf("failed publishing %v: %w", key.Name, err)
		}
	}
	return nil
}
