package rdm

import (
	"testing"
	"time"

	"github.com/cretz/omm/pkg/codec"
	"github.com/cretz/omm/pkg/dictionary"
	"github.com/cretz/omm/pkg/omm"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var wire = codec.Codec{Dictionary: dictionary.Default()}

func roundTrip(t *testing.T, b *omm.MsgBuilder) *omm.Msg {
	data, err := omm.Marshal(b.Ref(), wire)
	require.NoError(t, err)
	m, err := omm.Unmarshal(data, wire)
	require.NoError(t, err)
	return m
}

func TestLoginRoundTrip(t *testing.T) {
	req := &LoginRequest{
		UserName:         "trader",
		ApplicationID:    "256",
		Position:         "127.0.0.1/net",
		SingleOpen:       true,
		AllowSuspectData: false,
	}
	got, err := DecodeLoginRequest(roundTrip(t, req.Msg()))
	require.NoError(t, err)
	req.NameType = NameTypeUserName
	require.Equal(t, req, got)

	_, err = DecodeLoginRequest(omm.NewRequest(omm.DomainLogin, LoginStreamID).Ref())
	require.Error(t, err)

	tt := time.Unix(1700000000, 0)
	refresh := &LoginRefresh{UserName: "trader", ApplicationID: "256", SingleOpen: true, AllowSuspectData: true,
		SupportBatchRequests: true, SupportPost: true, AuthenticationTTReissue: tt}
	m := roundTrip(t, refresh.Msg(codec.State{Stream: codec.StreamStateOpen, Data: codec.DataStateOk}))
	require.True(t, m.Flags.Has(omm.FlagSolicited))
	gotRefresh, err := DecodeLoginRefresh(m)
	require.NoError(t, err)
	require.Equal(t, refresh, gotRefresh)
	require.True(t, tt.Equal(gotRefresh.AuthenticationTTReissue))
}

func TestLoginRefreshDefaults(t *testing.T) {
	m := omm.NewRefresh(omm.DomainLogin, LoginStreamID, codec.State{Stream: codec.StreamStateOpen}).Ref()
	l, err := DecodeLoginRefresh(m)
	require.NoError(t, err)
	require.True(t, l.SingleOpen)
	require.True(t, l.AllowSuspectData)
	require.False(t, l.SupportBatchRequests)
	require.True(t, l.AuthenticationTTReissue.IsZero())
}

func sampleEntries() []ServiceEntry {
	status := codec.State{Stream: codec.StreamStateOpen, Data: codec.DataStateOk}
	return []ServiceEntry{
		{
			ServiceID: 1,
			Action:    codec.MapActionAdd,
			Info: &ServiceInfo{
				Name:             "DIRECT_FEED",
				Vendor:           "Example",
				IsSource:         true,
				Capabilities:     []omm.DomainType{omm.DomainMarketPrice, omm.DomainMarketByPrice},
				DictionariesUsed: []string{"RWFFld", "RWFEnum"},
				QoS:              []codec.Qos{{Timeliness: codec.QosTimelinessRealTime, Rate: codec.QosRateTickByTick}},
			},
			State: &ServiceState{Up: Bool(true), AcceptingRequests: Bool(true), Status: &status},
			Load:  &ServiceLoad{OpenLimit: 1000, OpenWindow: 10, LoadFactor: 5},
			Links: []ServiceLink{{Name: "primary", Type: LinkInteractive, Up: true}},
			FilterActions: map[FilterID]codec.FilterAction{
				FilterIDInfo: codec.FilterActionSet, FilterIDState: codec.FilterActionSet,
				FilterIDLoad: codec.FilterActionSet, FilterIDLink: codec.FilterActionSet,
			},
		},
		{
			ServiceID:     2,
			Action:        codec.MapActionUpdate,
			State:         &ServiceState{AcceptingRequests: Bool(false)},
			FilterActions: map[FilterID]codec.FilterAction{FilterIDState: codec.FilterActionUpdate, FilterIDLoad: codec.FilterActionClear},
		},
		{ServiceID: 3, Action: codec.MapActionDelete},
	}
}

func TestDirectoryRoundTrip(t *testing.T) {
	entries := sampleEntries()
	m := roundTrip(t, omm.NewRefresh(omm.DomainDirectory, DirectoryStreamID, codec.State{Stream: codec.StreamStateOpen}).
		SetPayload(EncodeDirectory(entries, 0xff)))
	got, err := DecodeDirectory(m.Payload)
	require.NoError(t, err)
	require.Equal(t, entries, got)
}

func TestDirectoryLinkDelete(t *testing.T) {
	entry := ServiceEntry{ServiceID: 1, Action: codec.MapActionUpdate,
		Links: []ServiceLink{{Name: "L2", Type: LinkBroadcast}}, DeletedLinks: []string{"L1"}}
	entry.SetFilter(FilterIDLink, codec.FilterActionUpdate)
	got, err := DecodeDirectory(EncodeDirectory([]ServiceEntry{entry}, 0xff))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, []string{"L1"}, got[0].DeletedLinks)
	require.Equal(t, []ServiceLink{{Name: "L2", Type: LinkBroadcast}}, got[0].Links)
}

func TestDirectoryFilterMask(t *testing.T) {
	got, err := DecodeDirectory(EncodeDirectory(sampleEntries()[:1], FilterIDState.Mask()))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Nil(t, got[0].Info)
	require.Nil(t, got[0].Load)
	require.Nil(t, got[0].Links)
	require.NotNil(t, got[0].State)
	require.Len(t, got[0].FilterActions, 1)
}

func TestDirectoryBadEntriesSkipped(t *testing.T) {
	m := EncodeDirectory(sampleEntries(), 0xff)
	m.Entries[1].Payload = &codec.ErrorData{Code: codec.ErrorCodeIncompleteData, Text: "bad"}
	m.Entries = append(m.Entries, codec.MapEntry{Action: codec.MapActionAdd, Key: codec.ASCIIValue("x")})
	got, err := DecodeDirectory(m)
	require.Error(t, err)
	require.Len(t, got, 2)
	require.Equal(t, uint16(1), got[0].ServiceID)
	require.Equal(t, uint16(3), got[1].ServiceID)

	_, err = DecodeDirectory(new(codec.ElementList))
	require.Error(t, err)
}

func TestFieldDictionaryParts(t *testing.T) {
	src := dictionary.Default()
	parts := EncodeFieldDictionary(src, 10)
	require.Len(t, parts, (src.Len()+9)/10)
	dst := dictionary.New()
	for _, part := range parts {
		m := roundTrip(t, omm.NewRefresh(omm.DomainDictionary, FieldDictionaryStreamID,
			codec.State{Stream: codec.StreamStateOpen}).SetPayload(part))
		require.NoError(t, DecodeFieldDictionaryPart(dst, m.Payload))
	}
	require.Equal(t, src.Version, dst.Version)
	require.Equal(t, src.Fields(), dst.Fields())

	require.Len(t, EncodeFieldDictionary(dictionary.New(), 10), 1)
}

func TestBatch(t *testing.T) {
	names := []string{"A", "B", "C"}
	m := roundTrip(t, BatchRequest(omm.DomainMarketPrice, 5, 1, names))
	got, ok := BatchItems(m)
	require.True(t, ok)
	require.Equal(t, names, got)
	_, ok = BatchItems(omm.NewRequest(omm.DomainMarketPrice, 5).SetName("A").Ref())
	require.False(t, ok)
}

func TestFieldsByAcronym(t *testing.T) {
	d := dictionary.Default()
	l, err := FieldsByAcronym(d, map[string]interface{}{
		"ASK":        "101.50",
		"BID":        decimal.RequireFromString("101.25"),
		"DSPLY_NAME": "IBM",
		"ACVOL_1":    nil,
		"NUM_MOVES":  12,
	})
	require.NoError(t, err)
	require.Equal(t, "DSPLY_NAME=IBM BID=101.25 ASK=101.5 ACVOL_1=<blank> NUM_MOVES=12", FormatFieldList(d, l))

	_, err = FieldsByAcronym(d, map[string]interface{}{"NOPE": 1})
	require.Error(t, err)
	_, err = FieldsByAcronym(d, map[string]interface{}{"BID": true})
	require.Error(t, err)

	ApplyFields(l, new(codec.FieldList).Add(22, codec.RealValue(10130, codec.RealExponentNeg2)).Add(6, codec.RealValue(1, codec.RealExponent0)))
	bid, _ := l.Get(22)
	require.Equal(t, "101.3", bid.Real.String())
	_, ok := l.Get(6)
	require.True(t, ok)
}
