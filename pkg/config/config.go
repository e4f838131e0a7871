package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cretz/omm/pkg/codec"
	"github.com/cretz/omm/pkg/consumer"
	"github.com/cretz/omm/pkg/dictionary"
	"github.com/cretz/omm/pkg/log"
	"github.com/cretz/omm/pkg/metrics"
	"github.com/cretz/omm/pkg/omm"
	"github.com/cretz/omm/pkg/provider"
	"github.com/cretz/omm/pkg/rdm"
	"github.com/cretz/omm/pkg/transport"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to upper-cased keys with "." replaced by "_", e.g.
// OMM_CONSUMER_ADDRESS.
const EnvPrefix = "OMM"

type Config struct {
	LogLevel string   `mapstructure:"log_level"`
	Consumer Consumer `mapstructure:"consumer"`
	Provider Provider `mapstructure:"provider"`
}

type Consumer struct {
	// tcp or websocket
	Channel string `mapstructure:"channel" validate:"oneof=tcp websocket"`
	// host:port for tcp, ws:// URL for websocket
	Address            string        `mapstructure:"address" validate:"required"`
	UserName           string        `mapstructure:"user_name" validate:"required"`
	ApplicationID      string        `mapstructure:"application_id"`
	Position           string        `mapstructure:"position"`
	DispatchMode       string        `mapstructure:"dispatch_mode" validate:"oneof=api user"`
	ReconnectAttempts  int           `mapstructure:"reconnect_attempts" validate:"min=-1"`
	ReconnectMinDelay  time.Duration `mapstructure:"reconnect_min_delay" validate:"min=0"`
	ReconnectMaxDelay  time.Duration `mapstructure:"reconnect_max_delay" validate:"gtefield=ReconnectMinDelay"`
	OutputBuffers      int           `mapstructure:"output_buffers" validate:"min=1,max=100000"`
	DictionaryFile     string        `mapstructure:"dictionary_file" validate:"omitempty,file"`
	DownloadDictionary bool          `mapstructure:"download_dictionary"`
	ReissueLead        time.Duration `mapstructure:"reissue_lead" validate:"min=0"`
}

type Provider struct {
	ListenAddr              string    `mapstructure:"listen_addr" validate:"required,hostname_port"`
	WebSocketAddr           string    `mapstructure:"websocket_addr" validate:"omitempty,hostname_port"`
	Advertise               bool      `mapstructure:"advertise"`
	AdvertiseInstance       string    `mapstructure:"advertise_instance"`
	AuthenticationTTSeconds int       `mapstructure:"authentication_tt_seconds" validate:"min=0"`
	OutputBuffers           int       `mapstructure:"output_buffers" validate:"min=1,max=100000"`
	DictionaryFile          string    `mapstructure:"dictionary_file" validate:"omitempty,file"`
	Services                []Service `mapstructure:"services" validate:"required,min=1,dive"`
}

type Service struct {
	ID     uint16 `mapstructure:"id"`
	Name   string `mapstructure:"name" validate:"required"`
	Vendor string `mapstructure:"vendor"`
	// Domain names. If empty, MarketPrice and Dictionary.
	Capabilities []string `mapstructure:"capabilities"`
	Dictionaries []string `mapstructure:"dictionaries"`
	Items        []Item   `mapstructure:"items" validate:"dive"`
}

type Item struct {
	Name string `mapstructure:"name" validate:"required"`
	// If empty, MarketPrice
	Domain string `mapstructure:"domain"`
	// Field acronym to value. Acronyms are matched upper-cased.
	Fields map[string]interface{} `mapstructure:"fields"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("consumer.channel", "tcp")
	v.SetDefault("consumer.address", "localhost:14002")
	v.SetDefault("consumer.user_name", "omm")
	v.SetDefault("consumer.application_id", "256")
	v.SetDefault("consumer.position", "")
	v.SetDefault("consumer.dispatch_mode", "api")
	v.SetDefault("consumer.reconnect_attempts", 5)
	v.SetDefault("consumer.reconnect_min_delay", time.Second)
	v.SetDefault("consumer.reconnect_max_delay", 5*time.Second)
	v.SetDefault("consumer.output_buffers", 100)
	v.SetDefault("consumer.dictionary_file", "")
	v.SetDefault("consumer.download_dictionary", false)
	v.SetDefault("consumer.reissue_lead", 5*time.Second)
	v.SetDefault("provider.listen_addr", ":14002")
	v.SetDefault("provider.websocket_addr", "")
	v.SetDefault("provider.advertise", false)
	v.SetDefault("provider.advertise_instance", "omm")
	v.SetDefault("provider.authentication_tt_seconds", 0)
	v.SetDefault("provider.output_buffers", 100)
	v.SetDefault("provider.dictionary_file", "")
	v.SetDefault("provider.services", []map[string]interface{}{{"id": 1, "name": "DIRECT_FEED"}})
}

// Load reads the YAML file at path, if any, over the defaults. Environment
// variables override the file and set flags in bindings override both. The
// binding keys are config keys such as "consumer.address".
func Load(path string, bindings map[string]*pflag.Flag) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed reading config %v: %w", path, err)
		}
	}
	for key, flag := range bindings {
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, fmt.Errorf("failed binding flag %v: %w", flag.Name, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed decoding config: %w", err)
	}
	if err := validator.New().Var(c.LogLevel, "oneof=debug info warn error off"); err != nil {
		return nil, fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return &c, nil
}

// Validate checks the consumer section.
func (c *Consumer) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid consumer config: %w", err)
	}
	tag := "hostname_port"
	if c.Channel == "websocket" {
		tag = "url,startswith=ws://|startswith=wss://"
	}
	if err := validate.Var(c.Address, tag); err != nil {
		return fmt.Errorf("invalid consumer address %q: %w", c.Address, err)
	}
	return nil
}

// Validate checks the provider section.
func (p *Provider) Validate() error {
	if err := validator.New().Struct(p); err != nil {
		return fmt.Errorf("invalid provider config: %w", err)
	}
	ids := map[uint16]bool{}
	for _, svc := range p.Services {
		if ids[svc.ID] {
			return fmt.Errorf("duplicate service id %v", svc.ID)
		}
		ids[svc.ID] = true
		for _, name := range svc.Capabilities {
			if _, err := omm.ParseDomainType(name); err != nil {
				return fmt.Errorf("service %v: %w", svc.Name, err)
			}
		}
		for _, item := range svc.Items {
			if item.Domain != "" {
				if _, err := omm.ParseDomainType(item.Domain); err != nil {
					return fmt.Errorf("item %v: %w", item.Name, err)
				}
			}
		}
	}
	return nil
}

func loadDictionary(file string) (*dictionary.Dictionary, error) {
	if file == "" {
		return nil, nil
	}
	return dictionary.LoadFile(file)
}

// ToConsumer validates and converts the section. m may be nil.
func (c *Consumer) ToConsumer(l log.Log, m *metrics.Metrics) (consumer.Config, error) {
	if err := c.Validate(); err != nil {
		return consumer.Config{}, err
	}
	dict, err := loadDictionary(c.DictionaryFile)
	if err != nil {
		return consumer.Config{}, err
	}
	channelConfig := transport.ChannelConfig{OutputBuffers: c.OutputBuffers, Log: l}
	address, channel := c.Address, c.Channel
	config := consumer.Config{
		Dial: func(ctx context.Context) (transport.Channel, error) {
			if channel == "websocket" {
				return transport.DialWebSocket(ctx, address, channelConfig)
			}
			return transport.DialTCP(ctx, address, channelConfig)
		},
		Login: rdm.LoginRequest{
			UserName:         c.UserName,
			ApplicationID:    c.ApplicationID,
			Position:         c.Position,
			SingleOpen:       true,
			AllowSuspectData: true,
		},
		Dictionary:         dict,
		DownloadDictionary: c.DownloadDictionary && dict == nil,
		ReconnectAttempts:  c.ReconnectAttempts,
		ReconnectMinDelay:  c.ReconnectMinDelay,
		ReconnectMaxDelay:  c.ReconnectMaxDelay,
		ReissueLead:        c.ReissueLead,
		Metrics:            m,
		Log:                l,
	}
	if c.DispatchMode == "user" {
		config.DispatchMode = consumer.UserDispatch
	}
	return config, nil
}

// ToProvider validates and converts the section. m may be nil.
func (p *Provider) ToProvider(l log.Log, m *metrics.Metrics) (provider.Config, error) {
	if err := p.Validate(); err != nil {
		return provider.Config{}, err
	}
	dict, err := loadDictionary(p.DictionaryFile)
	if err != nil {
		return provider.Config{}, err
	}
	config := provider.Config{
		Dictionary:       dict,
		AuthenticationTT: time.Duration(p.AuthenticationTTSeconds) * time.Second,
		Metrics:          m,
		Log:              l,
	}
	for _, svc := range p.Services {
		s := provider.Service{ID: svc.ID, Info: rdm.ServiceInfo{
			Name:                 svc.Name,
			Vendor:               svc.Vendor,
			IsSource:             true,
			DictionariesProvided: svc.Dictionaries,
		}}
		for _, name := range svc.Capabilities {
			d, _ := omm.ParseDomainType(name)
			s.Info.Capabilities = append(s.Info.Capabilities, d)
		}
		config.Services = append(config.Services, s)
	}
	return config, nil
}

// Images builds the initial item images using d for field types.
func (p *Provider) Images(d *dictionary.Dictionary) (map[provider.ItemKey]*codec.FieldList, error) {
	images := map[provider.ItemKey]*codec.FieldList{}
	for _, svc := range p.Services {
		for _, item := range svc.Items {
			key := provider.ItemKey{Service: svc.Name, Name: item.Name}
			if item.Domain != "" {
				var err error
				if key.Domain, err = omm.ParseDomainType(item.Domain); err != nil {
					return nil, err
				}
			}
			fields := make(map[string]interface{}, len(item.Fields))
			for acronym, v := range item.Fields {
				fields[strings.ToUpper(acronym)] = v
			}
			image, err := rdm.FieldsByAcronym(d, fields)
			if err != nil {
				return nil, fmt.Errorf("item %v: %w", item.Name, err)
			}
			images[key] = image
		}
	}
	return images, nil
}

// ToServer builds the listener config for a provider built from this
// section.
func (p *Provider) ToServer(prov provider.Provider, l log.Log) provider.ServerConfig {
	return provider.ServerConfig{
		Provider:          prov,
		ListenAddr:        p.ListenAddr,
		WebSocketAddr:     p.WebSocketAddr,
		Advertise:         p.Advertise,
		AdvertiseInstance: p.AdvertiseInstance,
		Channel:           transport.ChannelConfig{OutputBuffers: p.OutputBuffers, Log: l},
		Log:               l,
	}
}
