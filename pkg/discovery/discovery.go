package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/cretz/omm/pkg/log"
	"github.com/google/uuid"
	"github.com/grandcat/zeroconf"
)

const (
	ServiceType = "_omm._tcp"
	Domain      = "local."
)

// TXT record keys
const (
	TextID            = "id"
	TextWebSocketPort = "ws"
	TextServices      = "services"
)

type AdvertiseConfig struct {
	// Required
	Port int
	// If empty, is "omm"
	Instance string
	// If empty, uses generated uuid v4 with dashes removed
	ID string
	// If zero, no websocket port is advertised
	WebSocketPort int
	// Service names
	Services []string
	// If any value here is empty, it is considered a delete
	TextOverrides map[string]string
	// If empty, uses all
	Ifaces []net.Interface
	// If empty, uses log.NopLog
	Log log.Log
}

type Advertisement struct {
	ID     string
	server *zeroconf.Server
}

// Advertise registers the provider endpoint with mDNS until Shutdown.
func Advertise(config AdvertiseConfig) (*Advertisement, error) {
	if config.Port <= 0 {
		return nil, fmt.Errorf("missing port")
	}
	if config.Instance == "" {
		config.Instance = "omm"
	}
	if config.ID == "" {
		config.ID = strings.ReplaceAll(uuid.New().String(), "-", "")
	}
	if config.Log == nil {
		config.Log = log.NopLog()
	}
	text := buildText(config)
	config.Log.Debugf("Broadcasting mDNS for %v on port %v with TXT %v", config.Instance, config.Port, text)
	server, err := zeroconf.Register(config.Instance, ServiceType, Domain, config.Port, text, config.Ifaces)
	if err != nil {
		return nil, fmt.Errorf("failed registering mDNS server: %w", err)
	}
	return &Advertisement{ID: config.ID, server: server}, nil
}

func buildText(config AdvertiseConfig) []string {
	textMap := map[string]string{TextID: config.ID}
	if config.WebSocketPort > 0 {
		textMap[TextWebSocketPort] = strconv.Itoa(config.WebSocketPort)
	}
	if len(config.Services) > 0 {
		textMap[TextServices] = strings.Join(config.Services, ",")
	}
	for k, v := range config.TextOverrides {
		if v == "" {
			delete(textMap, k)
		} else {
			textMap[k] = v
		}
	}
	text := make([]string, 0, len(textMap))
	for k, v := range textMap {
		text = append(text, k+"="+v)
	}
	sort.Strings(text)
	return text
}

func (a *Advertisement) Shutdown() {
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// Endpoint is one advertised provider.
type Endpoint struct {
	Instance string
	ID       string
	Host     string
	Addrs    []net.IP
	Port     int
	// Zero if not advertised
	WebSocketPort int
	Services      []string
	Text          map[string]string
}

// Addr is the TCP address, preferring the first advertised IP.
func (e *Endpoint) Addr() string {
	host := strings.TrimSuffix(e.Host, ".")
	if len(e.Addrs) > 0 {
		host = e.Addrs[0].String()
	}
	return net.JoinHostPort(host, strconv.Itoa(e.Port))
}

// ParseText splits key=value TXT records. Records without '=' have an empty
// value.
func ParseText(text []string) map[string]string {
	ret := make(map[string]string, len(text))
	for _, t := range text {
		k, v, _ := strings.Cut(t, "=")
		ret[k] = v
	}
	return ret
}

func endpointFromEntry(entry *zeroconf.ServiceEntry) Endpoint {
	e := Endpoint{
		Instance: entry.Instance,
		Host:     entry.HostName,
		Port:     entry.Port,
		Text:     ParseText(entry.Text),
	}
	e.Addrs = append(e.Addrs, entry.AddrIPv4...)
	e.Addrs = append(e.Addrs, entry.AddrIPv6...)
	e.ID = e.Text[TextID]
	if ws, err := strconv.Atoi(e.Text[TextWebSocketPort]); err == nil {
		e.WebSocketPort = ws
	}
	if services := e.Text[TextServices]; services != "" {
		e.Services = strings.Split(services, ",")
	}
	return e
}

// Browse collects advertised providers until ctx is done. Endpoints with the
// same id are reported once.
func Browse(ctx context.Context, l log.Log) ([]Endpoint, error) {
	if l == nil {
		l = log.NopLog()
	}
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return nil, fmt.Errorf("failed creating resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	var endpoints []Endpoint
	seen := map[string]bool{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			e := endpointFromEntry(entry)
			key := e.ID
			if key == "" {
				key = e.Instance
			}
			if seen[key] {
				continue
			}
			seen[key] = true
			l.Debugf("Found provider %v at %v", e.Instance, e.Addr())
			endpoints = append(endpoints, e)
		}
	}()
	if err := resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return nil, fmt.Errorf("failed browsing: %w", err)
	}
	// The resolver closes entries once ctx is done
	<-done
	return endpoints, nil
}
