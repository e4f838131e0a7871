package directory

import (
	"testing"

	"github.com/cretz/omm/pkg/codec"
	"github.com/cretz/omm/pkg/log"
	"github.com/cretz/omm/pkg/omm"
	"github.com/cretz/omm/pkg/rdm"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var openOk = codec.State{Stream: codec.StreamStateOpen, Data: codec.DataStateOk}

func fullEntry(id uint16, name string, up bool) rdm.ServiceEntry {
	return rdm.ServiceEntry{
		ServiceID: id,
		Action:    codec.MapActionAdd,
		Info: &rdm.ServiceInfo{
			Name:             name,
			Vendor:           "acme",
			Capabilities:     []omm.DomainType{omm.DomainMarketPrice, omm.DomainDictionary},
			DictionariesUsed: []string{rdm.FieldDictionaryName, rdm.EnumDictionaryName},
			QoS:              []codec.Qos{{Timeliness: codec.QosTimelinessRealTime, Rate: codec.QosRateTickByTick}},
		},
		State: &rdm.ServiceState{Up: rdm.Bool(up), AcceptingRequests: rdm.Bool(true)},
		Load:  &rdm.ServiceLoad{OpenLimit: 1000, OpenWindow: 50, LoadFactor: 3},
	}
}

func directoryRefresh(entries ...rdm.ServiceEntry) *omm.Msg {
	return omm.NewRefresh(omm.DomainDirectory, rdm.DirectoryStreamID, openOk).
		AddFlags(omm.FlagClearCache|omm.FlagSolicited).
		SetPayload(rdm.EncodeDirectory(entries, 0xff)).Ref()
}

func directoryUpdate(entries ...rdm.ServiceEntry) *omm.Msg {
	return omm.NewUpdate(omm.DomainDirectory, rdm.DirectoryStreamID).
		SetPayload(rdm.EncodeDirectory(entries, 0xff)).Ref()
}

func newTestCatalog(t *testing.T) Catalog {
	return NewCatalog(CatalogConfig{Log: log.FromZap(zaptest.NewLogger(t))})
}

func TestRefreshAndQueries(t *testing.T) {
	c := newTestCatalog(t)
	require.False(t, c.Ready())
	changed, err := c.Apply(directoryRefresh(fullEntry(20, "B", false), fullEntry(10, "A", true)))
	require.NoError(t, err)
	require.ElementsMatch(t, []uint16{10, 20}, changed)
	require.True(t, c.Ready())

	require.True(t, c.IsServiceUp(10))
	require.False(t, c.IsServiceUp(20))
	require.False(t, c.IsServiceUp(30))

	s, ok := c.ServiceFor("A")
	require.True(t, ok)
	require.Equal(t, uint16(10), s.ID)
	require.Equal(t, "acme", s.Info.Vendor)
	require.True(t, s.HasCapability(omm.DomainMarketPrice))
	require.False(t, s.HasCapability(omm.DomainMarketByOrder))
	_, ok = c.ServiceFor("missing")
	require.False(t, ok)

	services := c.Services()
	require.Len(t, services, 2)
	require.Equal(t, uint16(10), services[0].ID)
	require.Equal(t, uint16(20), services[1].ID)

	// Returned records are copies
	services[0].Info.Capabilities[0] = omm.DomainSymbolList
	s, _ = c.ServiceByID(10)
	require.Equal(t, omm.DomainMarketPrice, s.Info.Capabilities[0])
}

func TestUpdateBeforeRefreshDropped(t *testing.T) {
	c := newTestCatalog(t)
	_, err := c.Apply(directoryUpdate(fullEntry(1, "A", true)))
	require.ErrorIs(t, err, ErrOutOfOrderUpdate)
	require.Empty(t, c.Services())

	// A refresh that is not complete still does not allow updates
	partial := directoryRefresh(fullEntry(1, "A", true))
	partial.Flags &^= omm.FlagRefreshComplete
	_, err = c.Apply(partial)
	require.NoError(t, err)
	_, err = c.Apply(directoryUpdate(fullEntry(2, "B", true)))
	require.ErrorIs(t, err, ErrOutOfOrderUpdate)
	require.Len(t, c.Services(), 1)
}

func TestPartialUpdateKeepsOtherFilters(t *testing.T) {
	c := newTestCatalog(t)
	_, err := c.Apply(directoryRefresh(fullEntry(1, "A", true), fullEntry(2, "B", true)))
	require.NoError(t, err)
	before := c.Services()

	down := codec.State{Stream: codec.StreamStateOpen, Data: codec.DataStateSuspect, Code: codec.StateCodeNone, Text: "maintenance"}
	_, err = c.Apply(directoryUpdate(rdm.ServiceEntry{
		ServiceID: 1,
		Action:    codec.MapActionUpdate,
		State:     &rdm.ServiceState{Up: rdm.Bool(false), Status: &down},
	}))
	require.NoError(t, err)

	after := c.Services()
	require.Equal(t, before[0].Info, after[0].Info)
	require.Equal(t, before[0].Load, after[0].Load)
	require.False(t, after[0].Up)
	require.Equal(t, &down, after[0].Status)
	require.Equal(t, before[1], after[1])
	require.False(t, c.IsServiceUp(1))
	require.True(t, c.IsServiceUp(2))
}

func TestStateFilterMergeAndSet(t *testing.T) {
	c := newTestCatalog(t)
	_, err := c.Apply(directoryRefresh(fullEntry(1, "A", true)))
	require.NoError(t, err)

	// Update with only AcceptingRequests keeps Up
	entry := rdm.ServiceEntry{ServiceID: 1, Action: codec.MapActionUpdate, State: &rdm.ServiceState{AcceptingRequests: rdm.Bool(false)}}
	entry.SetFilter(rdm.FilterIDState, codec.FilterActionUpdate)
	_, err = c.Apply(directoryUpdate(entry))
	require.NoError(t, err)
	s, _ := c.ServiceByID(1)
	require.True(t, s.Up)
	require.False(t, s.AcceptingRequests)
	require.False(t, c.IsServiceUp(1))

	// Set replaces the section, so absent AcceptingRequests goes back to true
	entry = rdm.ServiceEntry{ServiceID: 1, Action: codec.MapActionUpdate, State: &rdm.ServiceState{Up: rdm.Bool(true)}}
	_, err = c.Apply(directoryUpdate(entry))
	require.NoError(t, err)
	require.True(t, c.IsServiceUp(1))
}

func TestClearLinksAndDelete(t *testing.T) {
	c := newTestCatalog(t)
	withLinks := fullEntry(1, "A", true)
	withLinks.Links = []rdm.ServiceLink{{Name: "primary", Type: rdm.LinkInteractive, Up: true}}
	_, err := c.Apply(directoryRefresh(withLinks, fullEntry(2, "B", true)))
	require.NoError(t, err)

	link := rdm.ServiceEntry{ServiceID: 1, Action: codec.MapActionUpdate,
		Links: []rdm.ServiceLink{{Name: "backup", Type: rdm.LinkBroadcast}}}
	link.SetFilter(rdm.FilterIDLink, codec.FilterActionUpdate)
	_, err = c.Apply(directoryUpdate(link))
	require.NoError(t, err)
	s, _ := c.ServiceByID(1)
	require.Len(t, s.Links, 2)

	cleared := rdm.ServiceEntry{ServiceID: 1, Action: codec.MapActionUpdate}
	cleared.SetFilter(rdm.FilterIDLoad, codec.FilterActionClear)
	changed, err := c.Apply(directoryUpdate(cleared, rdm.ServiceEntry{ServiceID: 2, Action: codec.MapActionDelete}))
	require.NoError(t, err)
	require.Equal(t, []uint16{1, 2}, changed)
	s, _ = c.ServiceByID(1)
	require.Nil(t, s.Load)
	require.Equal(t, "A", s.Name())
	_, ok := c.ServiceByID(2)
	require.False(t, ok)
	_, ok = c.ServiceFor("B")
	require.False(t, ok)
}

func TestDeleteLink(t *testing.T) {
	c := newTestCatalog(t)
	withLinks := fullEntry(1, "A", true)
	withLinks.Links = []rdm.ServiceLink{{Name: "L1", Up: true}, {Name: "L2", Up: true}}
	_, err := c.Apply(directoryRefresh(withLinks))
	require.NoError(t, err)

	update := rdm.ServiceEntry{ServiceID: 1, Action: codec.MapActionUpdate, DeletedLinks: []string{"L1", "missing"}}
	update.SetFilter(rdm.FilterIDLink, codec.FilterActionUpdate)
	_, err = c.Apply(directoryUpdate(update))
	require.NoError(t, err)
	s, _ := c.ServiceByID(1)
	require.Equal(t, []rdm.ServiceLink{{Name: "L2", Up: true}}, s.Links)
	require.NotNil(t, s.Load)
}

func TestClearCacheReplaces(t *testing.T) {
	c := newTestCatalog(t)
	_, err := c.Apply(directoryRefresh(fullEntry(1, "A", true), fullEntry(2, "B", true)))
	require.NoError(t, err)
	changed, err := c.Apply(directoryRefresh(fullEntry(3, "A", true)))
	require.NoError(t, err)
	require.ElementsMatch(t, []uint16{1, 2, 3}, changed)
	services := c.Services()
	require.Len(t, services, 1)
	s, ok := c.ServiceFor("A")
	require.True(t, ok)
	require.Equal(t, uint16(3), s.ID)

	c.Reset()
	require.False(t, c.Ready())
	require.Empty(t, c.Services())
}

func TestBadEntrySkipped(t *testing.T) {
	c := newTestCatalog(t)
	payload := rdm.EncodeDirectory([]rdm.ServiceEntry{fullEntry(1, "A", true)}, 0xff)
	payload.Entries = append(payload.Entries, codec.MapEntry{Action: codec.MapActionAdd, Key: codec.ASCIIValue("bad")})
	m := omm.NewRefresh(omm.DomainDirectory, rdm.DirectoryStreamID, openOk).SetPayload(payload).Ref()
	changed, err := c.Apply(m)
	require.Error(t, err)
	require.Equal(t, []uint16{1}, changed)
	require.True(t, c.IsServiceUp(1))
	require.True(t, c.Ready())
}
