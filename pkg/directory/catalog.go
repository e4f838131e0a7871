package directory

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cretz/omm/pkg/codec"
	"github.com/cretz/omm/pkg/log"
	"github.com/cretz/omm/pkg/omm"
	"github.com/cretz/omm/pkg/rdm"
	"github.com/tidwall/btree"
)

// ErrOutOfOrderUpdate is returned by Apply for a directory Update that
// arrives before the first complete Refresh. The update is dropped.
var ErrOutOfOrderUpdate = errors.New("directory update before refresh")

// Service is a copy of one catalog record.
type Service struct {
	ID   uint16
	Info rdm.ServiceInfo
	// False until an Info filter is applied
	HasInfo           bool
	Up                bool
	AcceptingRequests bool
	Status            *codec.State
	Load              *rdm.ServiceLoad
	Links             []rdm.ServiceLink
}

func (s *Service) Name() string { return s.Info.Name }

func (s *Service) HasCapability(d omm.DomainType) bool {
	for _, c := range s.Info.Capabilities {
		if c == d {
			return true
		}
	}
	return false
}

func (s *Service) copy() Service {
	c := *s
	c.Info.Capabilities = append([]omm.DomainType(nil), s.Info.Capabilities...)
	c.Info.DictionariesProvided = append([]string(nil), s.Info.DictionariesProvided...)
	c.Info.DictionariesUsed = append([]string(nil), s.Info.DictionariesUsed...)
	c.Info.QoS = append([]codec.Qos(nil), s.Info.QoS...)
	if s.Status != nil {
		status := *s.Status
		c.Status = &status
	}
	if s.Load != nil {
		load := *s.Load
		c.Load = &load
	}
	if s.Links != nil {
		c.Links = append([]rdm.ServiceLink{}, s.Links...)
	}
	return c
}

// Catalog holds the services of one connection. Apply is called from the
// dispatch loop; queries may come from any goroutine.
type Catalog interface {
	// Apply merges a directory Refresh or Update. Returned ids are the
	// services that were added, changed or deleted. The error may be
	// ErrOutOfOrderUpdate, in which case nothing changed, or it may report
	// entries that could not be read while the rest were applied.
	Apply(m *omm.Msg) ([]uint16, error)
	// Ready is true once a complete Refresh has been applied.
	Ready() bool
	IsServiceUp(serviceID uint16) bool
	ServiceFor(name string) (Service, bool)
	ServiceByID(serviceID uint16) (Service, bool)
	// Services returns every service ordered by id.
	Services() []Service
	// Reset empties the catalog and waits for a new Refresh.
	Reset()
}

type CatalogConfig struct {
	// If nil, uses log.NopLog()
	Log log.Log
}

type catalog struct {
	log log.Log

	lock     sync.RWMutex // Governs fields below
	services *btree.Map[uint16, *Service]
	byName   map[string]uint16
	ready    bool
}

func NewCatalog(config CatalogConfig) Catalog {
	c := &catalog{log: config.Log}
	if c.log == nil {
		c.log = log.NopLog()
	}
	c.resetUnlocked()
	return c
}

func (c *catalog) resetUnlocked() {
	c.services = btree.NewMap[uint16, *Service](16)
	c.byName = map[string]uint16{}
	c.ready = false
}

func (c *catalog) Reset() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.resetUnlocked()
}

func (c *catalog) Apply(m *omm.Msg) ([]uint16, error) {
	if m.Domain != omm.DomainDirectory {
		return nil, fmt.Errorf("not a directory message: %v", m.Domain)
	}
	switch m.Class {
	case omm.ClassRefresh, omm.ClassUpdate:
	default:
		return nil, nil
	}
	entries, decodeErr := rdm.DecodeDirectory(m.Payload)
	c.lock.Lock()
	defer c.lock.Unlock()
	if m.Class == omm.ClassUpdate && !c.ready {
		c.log.Warnf("Dropping directory update with %v entries received before refresh", len(entries))
		return nil, ErrOutOfOrderUpdate
	}
	var changed []uint16
	if m.Class == omm.ClassRefresh && m.Flags.Has(omm.FlagClearCache) {
		c.services.Scan(func(id uint16, _ *Service) bool {
			changed = append(changed, id)
			return true
		})
		c.resetUnlocked()
	}
	for i := range entries {
		c.applyEntryUnlocked(&entries[i])
		changed = append(changed, entries[i].ServiceID)
	}
	if m.Class == omm.ClassRefresh && m.Flags.Has(omm.FlagRefreshComplete) {
		c.ready = true
	}
	if decodeErr != nil {
		c.log.Warnf("Skipped unreadable directory entries: %v", decodeErr)
	}
	return changed, decodeErr
}

func (c *catalog) applyEntryUnlocked(entry *rdm.ServiceEntry) {
	existing, _ := c.services.Get(entry.ServiceID)
	if entry.Action == codec.MapActionDelete {
		if existing != nil {
			c.services.Delete(entry.ServiceID)
			c.unindexUnlocked(existing)
		}
		return
	}
	s := existing
	// Add replaces the record. An Update for an unknown service is treated
	// as an Add.
	if s == nil || entry.Action == codec.MapActionAdd {
		if s != nil {
			c.unindexUnlocked(s)
		}
		s = &Service{ID: entry.ServiceID, AcceptingRequests: true}
	}
	applyFilters(s, entry)
	c.services.Set(s.ID, s)
	c.unindexUnlocked(s)
	if s.HasInfo && s.Info.Name != "" {
		c.byName[s.Info.Name] = s.ID
	}
}

func (c *catalog) unindexUnlocked(s *Service) {
	for name, id := range c.byName {
		if id == s.ID {
			delete(c.byName, name)
		}
	}
}

// applyFilters replaces only the sections the entry carries. Within the
// State filter an Update keeps values the message leaves out.
func applyFilters(s *Service, entry *rdm.ServiceEntry) {
	for id, action := range entry.FilterActions {
		switch id {
		case rdm.FilterIDInfo:
			if action == codec.FilterActionClear || entry.Info == nil {
				s.Info, s.HasInfo = rdm.ServiceInfo{}, false
			} else {
				s.Info, s.HasInfo = *entry.Info, true
			}
		case rdm.FilterIDState:
			applyState(s, action, entry.State)
		case rdm.FilterIDLoad:
			if action == codec.FilterActionClear || entry.Load == nil {
				s.Load = nil
			} else {
				load := *entry.Load
				s.Load = &load
			}
		case rdm.FilterIDLink:
			applyLinks(s, action, entry.Links, entry.DeletedLinks)
		}
	}
}

func applyState(s *Service, action codec.FilterAction, state *rdm.ServiceState) {
	if action == codec.FilterActionClear || state == nil {
		s.Up, s.AcceptingRequests, s.Status = false, true, nil
		return
	}
	if action == codec.FilterActionSet {
		s.Up, s.AcceptingRequests, s.Status = false, true, nil
	}
	if state.Up != nil {
		s.Up = *state.Up
	}
	if state.AcceptingRequests != nil {
		s.AcceptingRequests = *state.AcceptingRequests
	}
	if state.Status != nil {
		status := *state.Status
		s.Status = &status
	}
}

func applyLinks(s *Service, action codec.FilterAction, links []rdm.ServiceLink, deleted []string) {
	switch action {
	case codec.FilterActionClear:
		s.Links = nil
	case codec.FilterActionSet:
		s.Links = append([]rdm.ServiceLink{}, links...)
	default:
		for _, link := range links {
			replaced := false
			for i := range s.Links {
				if s.Links[i].Name == link.Name {
					s.Links[i], replaced = link, true
					break
				}
			}
			if !replaced {
				s.Links = append(s.Links, link)
			}
		}
		for _, name := range deleted {
			for i := range s.Links {
				if s.Links[i].Name == name {
					s.Links = append(s.Links[:i:i], s.Links[i+1:]...)
					break
				}
			}
		}
	}
}

func (c *catalog) Ready() bool {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.ready
}

func (c *catalog) IsServiceUp(serviceID uint16) bool {
	c.lock.RLock()
	defer c.lock.RUnlock()
	s, _ := c.services.Get(serviceID)
	return s != nil && s.Up && s.AcceptingRequests
}

func (c *catalog) ServiceFor(name string) (Service, bool) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	id, ok := c.byName[name]
	if !ok {
		return Service{}, false
	}
	s, _ := c.services.Get(id)
	if s == nil {
		return Service{}, false
	}
	return s.copy(), true
}

func (c *catalog) ServiceByID(serviceID uint16) (Service, bool) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	if s, _ := c.services.Get(serviceID); s != nil {
		return s.copy(), true
	}
	return Service{}, false
}

func (c *catalog) Services() []Service {
	c.lock.RLock()
	defer c.lock.RUnlock()
	ret := make([]Service, 0, c.services.Len())
	c.services.Scan(func(_ uint16, s *Service) bool {
		ret = append(ret, s.copy())
		return true
	})
	return ret
}
