package cmd

import (
	"bytes"
	"testing"

	"github.com/cretz/omm/pkg/codec"
	"github.com/cretz/omm/pkg/provider"
	"github.com/cretz/omm/pkg/rdm"
	"github.com/stretchr/testify/require"
)

func TestDictionaryCmd(t *testing.T) {
	var out bytes.Buffer
	root := Root()
	root.SetOut(&out)
	root.SetArgs([]string{"dictionary", "--log-level", "off", "--field", "bid"})
	require.NoError(t, root.Execute())
	require.Contains(t, out.String(), " fields\n")
	require.Contains(t, out.String(), "BID fid=22 ")
}

func TestPublishTicks(t *testing.T) {
	p, err := provider.New(provider.Config{Services: []provider.Service{{ID: 1, Info: rdm.ServiceInfo{Name: "S"}}}})
	require.NoError(t, err)
	defer p.Close()
	key := provider.ItemKey{Service: "S", Name: "X"}
	image := new(codec.FieldList).
		Add(3, codec.Value{Type: codec.DataTypeRMTESString, String: "X"}).
		Add(22, codec.RealValue(100, codec.RealExponentNeg2))
	require.NoError(t, p.SetImage(key, image))
	images := map[provider.ItemKey]*codec.FieldList{key: image}
	require.NoError(t, publishTicks(p, images))
	require.NoError(t, publishTicks(p, images))
	v, _ := image.Get(22)
	require.Equal(t, "1.02", v.Real.String())
	v, _ = image.Get(3)
	require.Equal(t, "X", v.String)

	images[provider.ItemKey{Service: "S", Name: "missing"}] = new(codec.FieldList).Add(22, codec.RealValue(1, codec.RealExponent0))
	require.Error(t, publishTicks(p, images))
}
