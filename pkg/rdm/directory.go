package rdm

import (
	"errors"
	"fmt"

	"github.com/cretz/omm/pkg/codec"
	"github.com/cretz/omm/pkg/omm"
)

const DirectoryStreamID int32 = 2

type FilterID uint8

const (
	FilterIDInfo  FilterID = 1
	FilterIDState FilterID = 2
	FilterIDGroup FilterID = 3
	FilterIDLoad  FilterID = 4
	FilterIDData  FilterID = 5
	FilterIDLink  FilterID = 6
)

// Mask is the bit of the id in a request filter.
func (f FilterID) Mask() uint32 { return 1 << (f - 1) }

func (f FilterID) String() string {
	switch f {
	case FilterIDInfo:
		return "Info"
	case FilterIDState:
		return "State"
	case FilterIDGroup:
		return "Group"
	case FilterIDLoad:
		return "Load"
	case FilterIDData:
		return "Data"
	case FilterIDLink:
		return "Link"
	}
	return fmt.Sprintf("Filter(%d)", uint8(f))
}

// DefaultDirectoryFilter asks for every filter this package understands.
const DefaultDirectoryFilter = 0x01 | 0x02 | 0x08 | 0x20

type ServiceInfo struct {
	Name                 string
	Vendor               string
	IsSource             bool
	Capabilities         []omm.DomainType
	DictionariesProvided []string
	DictionariesUsed     []string
	QoS                  []codec.Qos
	ItemList             string
	SupportsQosRange     bool
}

// ServiceState is the State filter. Nil fields were absent from the message.
type ServiceState struct {
	Up                *bool
	AcceptingRequests *bool
	Status            *codec.State
}

type ServiceLoad struct {
	OpenLimit  uint64
	OpenWindow uint64
	LoadFactor uint64
}

type LinkType uint64

const (
	LinkInteractive LinkType = 1
	LinkBroadcast   LinkType = 2
)

type ServiceLink struct {
	Name     string
	Type     LinkType
	Up       bool
	LinkCode uint64
	Text     string
}

// ServiceEntry is one service in a directory message. Filter sections not in
// the message are nil.
type ServiceEntry struct {
	ServiceID uint16
	Action    codec.MapAction
	Info      *ServiceInfo
	State     *ServiceState
	Load      *ServiceLoad
	// Nil when the Link filter is absent; empty when present with no links
	Links []ServiceLink
	// Names of links removed by a Link filter Update
	DeletedLinks []string
	// Action per filter present. Sections absent here were not in the
	// message. A Clear action has a nil section.
	FilterActions map[FilterID]codec.FilterAction
}

// SetFilter records a section with its action.
func (s *ServiceEntry) SetFilter(id FilterID, action codec.FilterAction) {
	if s.FilterActions == nil {
		s.FilterActions = map[FilterID]codec.FilterAction{}
	}
	s.FilterActions[id] = action
}

// DirectoryRequest builds the directory request on DirectoryStreamID. A zero
// filter uses DefaultDirectoryFilter.
func DirectoryRequest(filter uint32) *omm.MsgBuilder {
	if filter == 0 {
		filter = DefaultDirectoryFilter
	}
	return omm.NewRequest(omm.DomainDirectory, DirectoryStreamID).SetFilter(filter)
}

// EncodeDirectory builds the payload of a directory Refresh or Update.
// Sections whose filter is not in mask are left out.
func EncodeDirectory(entries []ServiceEntry, mask uint32) *codec.Map {
	m := &codec.Map{KeyType: codec.DataTypeUInt, ContainerType: codec.DataTypeFilterList}
	for _, entry := range entries {
		me := codec.MapEntry{Action: entry.Action, Key: codec.UIntValue(uint64(entry.ServiceID))}
		if entry.Action != codec.MapActionDelete {
			fl := &codec.FilterList{ContainerType: codec.DataTypeElementList}
			add := func(id FilterID, payload codec.Container) {
				if mask&id.Mask() == 0 {
					return
				}
				action, ok := entry.FilterActions[id]
				if !ok {
					action = codec.FilterActionSet
				}
				if action == codec.FilterActionClear {
					payload = nil
				}
				fl.Entries = append(fl.Entries, codec.FilterEntry{ID: uint8(id), Action: action, Payload: payload})
			}
			if entry.Info != nil {
				add(FilterIDInfo, encodeInfo(entry.Info))
			} else if entry.FilterActions[FilterIDInfo] == codec.FilterActionClear {
				add(FilterIDInfo, nil)
			}
			if entry.State != nil {
				add(FilterIDState, encodeState(entry.State))
			} else if entry.FilterActions[FilterIDState] == codec.FilterActionClear {
				add(FilterIDState, nil)
			}
			if entry.Load != nil {
				add(FilterIDLoad, new(codec.ElementList).
					Add("OpenLimit", codec.UIntValue(entry.Load.OpenLimit)).
					Add("OpenWindow", codec.UIntValue(entry.Load.OpenWindow)).
					Add("LoadFactor", codec.UIntValue(entry.Load.LoadFactor)))
			} else if entry.FilterActions[FilterIDLoad] == codec.FilterActionClear {
				add(FilterIDLoad, nil)
			}
			if entry.Links != nil || len(entry.DeletedLinks) > 0 {
				add(FilterIDLink, encodeLinks(entry.Links, entry.DeletedLinks))
			} else if entry.FilterActions[FilterIDLink] == codec.FilterActionClear {
				add(FilterIDLink, nil)
			}
			me.Payload = fl
		}
		m.Entries = append(m.Entries, me)
	}
	return m
}

func asciiArray(vals []string) codec.Value {
	items := make([]codec.Value, len(vals))
	for i, v := range vals {
		items[i] = codec.ASCIIValue(v)
	}
	return codec.ArrayValue(codec.DataTypeAsciiString, items...)
}

func encodeInfo(info *ServiceInfo) *codec.ElementList {
	l := new(codec.ElementList).Add("Name", codec.ASCIIValue(info.Name))
	if info.Vendor != "" {
		l.Add("Vendor", codec.ASCIIValue(info.Vendor))
	}
	l.Add("IsSource", boolValue(info.IsSource))
	caps := make([]codec.Value, len(info.Capabilities))
	for i, c := range info.Capabilities {
		caps[i] = codec.UIntValue(uint64(c))
	}
	l.Add("Capabilities", codec.ArrayValue(codec.DataTypeUInt, caps...))
	l.Add("DictionariesProvided", asciiArray(info.DictionariesProvided))
	l.Add("DictionariesUsed", asciiArray(info.DictionariesUsed))
	qos := make([]codec.Value, len(info.QoS))
	for i, q := range info.QoS {
		qos[i] = codec.QosValue(q)
	}
	l.Add("QoS", codec.ArrayValue(codec.DataTypeQos, qos...))
	if info.ItemList != "" {
		l.Add("ItemList", codec.ASCIIValue(info.ItemList))
	}
	return l.Add("SupportsQoSRange", boolValue(info.SupportsQosRange))
}

func encodeState(s *ServiceState) *codec.ElementList {
	l := new(codec.ElementList)
	if s.Up != nil {
		l.Add("ServiceState", boolValue(*s.Up))
	}
	if s.AcceptingRequests != nil {
		l.Add("AcceptingRequests", boolValue(*s.AcceptingRequests))
	}
	if s.Status != nil {
		l.Add("Status", codec.StateValue(*s.Status))
	}
	return l
}

func encodeLinks(links []ServiceLink, deleted []string) *codec.Map {
	m := &codec.Map{KeyType: codec.DataTypeAsciiString, ContainerType: codec.DataTypeElementList}
	for _, link := range links {
		l := new(codec.ElementList).
			Add("Type", codec.UIntValue(uint64(link.Type))).
			Add("LinkState", boolValue(link.Up)).
			Add("LinkCode", codec.UIntValue(link.LinkCode))
		if link.Text != "" {
			l.Add("Text", codec.ASCIIValue(link.Text))
		}
		m.Entries = append(m.Entries, codec.MapEntry{Action: codec.MapActionAdd, Key: codec.ASCIIValue(link.Name), Payload: l})
	}
	for _, name := range deleted {
		m.Entries = append(m.Entries, codec.MapEntry{Action: codec.MapActionDelete, Key: codec.ASCIIValue(name)})
	}
	return m
}

// DecodeDirectory reads the payload of a directory Refresh or Update. Entries
// that cannot be read are skipped and reported in the returned error, so the
// entries may be non-empty even when err is not nil. A payload that is not a
// Map returns no entries.
func DecodeDirectory(payload codec.Container) ([]ServiceEntry, error) {
	m, ok := payload.(*codec.Map)
	if !ok {
		if payload == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("directory payload is %v, not Map", payload.DataType())
	}
	var entries []ServiceEntry
	var errs []error
	for i, me := range m.Entries {
		if me.Key.Type != codec.DataTypeUInt || me.Key.Blank {
			errs = append(errs, fmt.Errorf("entry %d: invalid service id key %v", i, me.Key.Type))
			continue
		}
		entry := ServiceEntry{ServiceID: uint16(me.Key.UInt), Action: me.Action}
		if me.Action != codec.MapActionDelete {
			if err := decodeFilters(&entry, me.Payload); err != nil {
				errs = append(errs, fmt.Errorf("service %d: %w", entry.ServiceID, err))
				continue
			}
		}
		entries = append(entries, entry)
	}
	return entries, errors.Join(errs...)
}

func decodeFilters(entry *ServiceEntry, payload codec.Container) error {
	if payload == nil {
		return nil
	}
	fl, ok := payload.(*codec.FilterList)
	if !ok {
		return fmt.Errorf("payload is %v, not FilterList", payload.DataType())
	}
	for _, fe := range fl.Entries {
		id := FilterID(fe.ID)
		if fe.Action == codec.FilterActionClear {
			entry.SetFilter(id, fe.Action)
			continue
		}
		switch id {
		case FilterIDInfo:
			l, err := elementPayload(fe)
			if err != nil {
				return err
			}
			entry.Info = decodeInfo(l)
		case FilterIDState:
			l, err := elementPayload(fe)
			if err != nil {
				return err
			}
			entry.State = decodeState(l)
		case FilterIDLoad:
			l, err := elementPayload(fe)
			if err != nil {
				return err
			}
			entry.Load = &ServiceLoad{
				OpenLimit:  elementUInt(l, "OpenLimit", 0),
				OpenWindow: elementUInt(l, "OpenWindow", 0),
				LoadFactor: elementUInt(l, "LoadFactor", 0),
			}
		case FilterIDLink:
			m, ok := fe.Payload.(*codec.Map)
			if !ok {
				return fmt.Errorf("link filter is not a Map")
			}
			entry.Links = []ServiceLink{}
			for _, me := range m.Entries {
				if me.Action == codec.MapActionDelete {
					entry.DeletedLinks = append(entry.DeletedLinks, me.Key.Text())
					continue
				}
				l, _ := me.Payload.(*codec.ElementList)
				entry.Links = append(entry.Links, ServiceLink{
					Name:     me.Key.Text(),
					Type:     LinkType(elementUInt(l, "Type", uint64(LinkInteractive))),
					Up:       elementUInt(l, "LinkState", 0) != 0,
					LinkCode: elementUInt(l, "LinkCode", 0),
					Text:     elementString(l, "Text"),
				})
			}
		default:
			// Group and Data filters are not tracked
			continue
		}
		entry.SetFilter(id, fe.Action)
	}
	return nil
}

func elementPayload(fe codec.FilterEntry) (*codec.ElementList, error) {
	switch p := fe.Payload.(type) {
	case *codec.ElementList:
		return p, nil
	case *codec.ErrorData:
		return nil, fmt.Errorf("%v filter: %w", FilterID(fe.ID), p)
	case nil:
		return new(codec.ElementList), nil
	}
	return nil, fmt.Errorf("%v filter is %v, not ElementList", FilterID(fe.ID), fe.Payload.DataType())
}

func arrayStrings(l *codec.ElementList, name string) []string {
	v, ok := l.Get(name)
	if !ok || v.Blank || v.Array == nil || len(v.Array.Items) == 0 {
		return nil
	}
	vals := make([]string, 0, len(v.Array.Items))
	for _, item := range v.Array.Items {
		vals = append(vals, item.Text())
	}
	return vals
}

func decodeInfo(l *codec.ElementList) *ServiceInfo {
	info := &ServiceInfo{
		Name:                 elementString(l, "Name"),
		Vendor:               elementString(l, "Vendor"),
		IsSource:             elementUInt(l, "IsSource", 0) != 0,
		DictionariesProvided: arrayStrings(l, "DictionariesProvided"),
		DictionariesUsed:     arrayStrings(l, "DictionariesUsed"),
		ItemList:             elementString(l, "ItemList"),
		SupportsQosRange:     elementUInt(l, "SupportsQoSRange", 0) != 0,
	}
	if v, ok := l.Get("Capabilities"); ok && v.Array != nil {
		for _, item := range v.Array.Items {
			info.Capabilities = append(info.Capabilities, omm.DomainType(item.UInt))
		}
	}
	if v, ok := l.Get("QoS"); ok && v.Array != nil {
		for _, item := range v.Array.Items {
			info.QoS = append(info.QoS, item.Qos)
		}
	}
	return info
}

func decodeState(l *codec.ElementList) *ServiceState {
	s := &ServiceState{}
	if v, ok := l.Get("ServiceState"); ok && !v.Blank {
		up := v.UInt != 0
		s.Up = &up
	}
	if v, ok := l.Get("AcceptingRequests"); ok && !v.Blank {
		accepting := v.UInt != 0
		s.AcceptingRequests = &accepting
	}
	if v, ok := l.Get("Status"); ok && !v.Blank && v.Type == codec.DataTypeState {
		state := v.State
		s.Status = &state
	}
	return s
}

// Bool returns a pointer for the optional ServiceState fields.
func Bool(b bool) *bool { return &b }
