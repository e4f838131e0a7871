package rdm

import (
	"github.com/cretz/omm/pkg/codec"
	"github.com/cretz/omm/pkg/omm"
)

// ItemListElement names the array of item names in a batch request payload.
const ItemListElement = ":ItemList"

// BatchRequest builds a request on streamID for every name. The provider
// answers each item on streamID+1, streamID+2, ... in name order and closes
// streamID itself.
func BatchRequest(domain omm.DomainType, streamID int32, serviceID uint16, names []string) *omm.MsgBuilder {
	return omm.NewRequest(domain, streamID).SetServiceID(serviceID).
		SetPayload(new(codec.ElementList).Add(ItemListElement, asciiArray(names)))
}

// BatchItems returns the item names of a batch request and whether it was
// one.
func BatchItems(m *omm.Msg) ([]string, bool) {
	if m.Class != omm.ClassRequest {
		return nil, false
	}
	l, ok := m.Payload.(*codec.ElementList)
	if !ok {
		return nil, false
	}
	v, ok := l.Get(ItemListElement)
	if !ok || v.Array == nil {
		return nil, false
	}
	names := make([]string, 0, len(v.Array.Items))
	for _, item := range v.Array.Items {
		names = append(names, item.Text())
	}
	return names, true
}
