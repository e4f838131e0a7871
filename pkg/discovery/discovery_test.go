package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/require"
)

func TestBuildText(t *testing.T) {
	text := buildText(AdvertiseConfig{
		ID:            "abc",
		WebSocketPort: 8080,
		Services:      []string{"DIRECT_FEED", "ELEKTRON_DD"},
		TextOverrides: map[string]string{"ws": "", "ve": "1"},
	})
	require.Equal(t, []string{"id=abc", "services=DIRECT_FEED,ELEKTRON_DD", "ve=1"}, text)
}

func TestEndpointFromEntry(t *testing.T) {
	entry := zeroconf.NewServiceEntry("provider-1", ServiceType, Domain)
	entry.HostName = "box.local."
	entry.Port = 14002
	entry.Text = []string{"id=abc", "ws=8080", "services=DIRECT_FEED", "flag"}
	e := endpointFromEntry(entry)
	require.Equal(t, "abc", e.ID)
	require.Equal(t, 8080, e.WebSocketPort)
	require.Equal(t, []string{"DIRECT_FEED"}, e.Services)
	require.Equal(t, "", e.Text["flag"])
	require.Equal(t, "box.local:14002", e.Addr())

	entry.AddrIPv4 = []net.IP{net.IPv4(10, 0, 0, 5)}
	e = endpointFromEntry(entry)
	require.Equal(t, "10.0.0.5:14002", e.Addr())
}

func TestAdvertiseRequiresPort(t *testing.T) {
	_, err := Advertise(AdvertiseConfig{})
	require.Error(t, err)
}
