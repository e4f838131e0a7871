package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cretz/omm/pkg/consumer"
	"github.com/cretz/omm/pkg/dictionary"
	"github.com/cretz/omm/pkg/omm"
	"github.com/cretz/omm/pkg/provider"
	"github.com/cretz/omm/pkg/rdm"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

const sample = `
log_level: debug
consumer:
  address: feed.example.com:14002
  user_name: alice
  dispatch_mode: user
  reconnect_attempts: -1
  reconnect_min_delay: 250ms
  reconnect_max_delay: 2s
provider:
  listen_addr: 127.0.0.1:14003
  authentication_tt_seconds: 60
  services:
    - id: 2
      name: ELEKTRON_DD
      vendor: Example
      capabilities: [MarketPrice, Dictionary]
      items:
        - name: IBM.N
          fields:
            BID: "101.25"
            DSPLY_NAME: IBM
    - id: 3
      name: OTHER
`

func writeFile(t *testing.T, contents string) string {
	path := filepath.Join(t.TempDir(), "omm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	c, err := Load("", nil)
	require.NoError(t, err)
	require.Equal(t, "info", c.LogLevel)
	require.Equal(t, "tcp", c.Consumer.Channel)
	require.Equal(t, 5, c.Consumer.ReconnectAttempts)
	require.Equal(t, time.Second, c.Consumer.ReconnectMinDelay)
	require.NoError(t, c.Consumer.Validate())
	require.NoError(t, c.Provider.Validate())
	require.Len(t, c.Provider.Services, 1)
	require.Equal(t, "DIRECT_FEED", c.Provider.Services[0].Name)
	require.Equal(t, uint16(1), c.Provider.Services[0].ID)
}

func TestLoadFileEnvAndFlags(t *testing.T) {
	t.Setenv("OMM_CONSUMER_USER_NAME", "bob")
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("address", "", "")
	require.NoError(t, flags.Parse([]string{"--address", "other.example.com:15000"}))

	c, err := Load(writeFile(t, sample), map[string]*pflag.Flag{"consumer.address": flags.Lookup("address")})
	require.NoError(t, err)
	require.Equal(t, "debug", c.LogLevel)
	require.Equal(t, "bob", c.Consumer.UserName)
	require.Equal(t, "other.example.com:15000", c.Consumer.Address)
	require.Equal(t, 250*time.Millisecond, c.Consumer.ReconnectMinDelay)

	cc, err := c.Consumer.ToConsumer(nil, nil)
	require.NoError(t, err)
	require.Equal(t, consumer.UserDispatch, cc.DispatchMode)
	require.Equal(t, -1, cc.ReconnectAttempts)
	require.Equal(t, "bob", cc.Login.UserName)
	require.NotNil(t, cc.Dial)

	pc, err := c.Provider.ToProvider(nil, nil)
	require.NoError(t, err)
	require.Equal(t, time.Minute, pc.AuthenticationTT)
	require.Len(t, pc.Services, 2)
	require.Equal(t, "ELEKTRON_DD", pc.Services[0].Info.Name)
	require.Equal(t, []omm.DomainType{omm.DomainMarketPrice, omm.DomainDictionary}, pc.Services[0].Info.Capabilities)

	images, err := c.Provider.Images(dictionary.Default())
	require.NoError(t, err)
	image := images[provider.ItemKey{Service: "ELEKTRON_DD", Name: "IBM.N"}]
	require.NotNil(t, image)
	require.Equal(t, "DSPLY_NAME=IBM BID=101.25", rdm.FormatFieldList(dictionary.Default(), image))

	p, err := provider.New(pc)
	require.NoError(t, err)
	defer p.Close()
	server := c.Provider.ToServer(p, nil)
	require.Equal(t, "127.0.0.1:14003", server.ListenAddr)
}

func TestValidation(t *testing.T) {
	c, err := Load("", nil)
	require.NoError(t, err)

	consumerCases := map[string]func(*Consumer){
		"channel":  func(c *Consumer) { c.Channel = "udp" },
		"address":  func(c *Consumer) { c.Address = "no-port" },
		"user":     func(c *Consumer) { c.UserName = "" },
		"dispatch": func(c *Consumer) { c.DispatchMode = "sometimes" },
		"delays":   func(c *Consumer) { c.ReconnectMaxDelay = time.Millisecond },
		"dict":     func(c *Consumer) { c.DictionaryFile = "/does/not/exist" },
		"ws url":   func(c *Consumer) { c.Channel = "websocket" },
	}
	for name, mutate := range consumerCases {
		t.Run(name, func(t *testing.T) {
			cons := c.Consumer
			mutate(&cons)
			require.Error(t, cons.Validate())
		})
	}
	ws := c.Consumer
	ws.Channel, ws.Address = "websocket", "ws://localhost:15000/"
	require.NoError(t, ws.Validate())

	prov := c.Provider
	prov.Services = append(prov.Services, Service{ID: 1, Name: "DUP"})
	require.Error(t, prov.Validate())
	prov = c.Provider
	prov.Services = []Service{{ID: 1, Name: "A", Capabilities: []string{"Nope"}}}
	require.Error(t, prov.Validate())
	prov = c.Provider
	prov.Services = nil
	require.Error(t, prov.Validate())

	_, err = Load(writeFile(t, "log_level: loud\n"), nil)
	require.Error(t, err)
	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.Error(t, err)
}

func TestUnknownField(t *testing.T) {
	c, err := Load(writeFile(t, `
provider:
  services:
    - name: A
      items:
        - name: X
          fields:
            NOT_A_FIELD: 1
`), nil)
	require.NoError(t, err)
	require.NoError(t, c.Provider.Validate())
	_, err = c.Provider.Images(dictionary.Default())
	require.Error(t, err)
}
