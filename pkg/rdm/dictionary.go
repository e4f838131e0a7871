package rdm

import (
	"fmt"

	"github.com/cretz/omm/pkg/codec"
	"github.com/cretz/omm/pkg/dictionary"
	"github.com/cretz/omm/pkg/omm"
)

const (
	FieldDictionaryStreamID int32 = 3
	EnumDictionaryStreamID  int32 = 4

	FieldDictionaryName = "RWFFld"
	EnumDictionaryName  = "RWFEnum"

	// Dictionary request filter verbosity
	DictionaryVerbosityNormal uint32 = 0x07
)

// DictionaryRequest asks a service for a dictionary by name.
func DictionaryRequest(streamID int32, serviceID uint16, name string) *omm.MsgBuilder {
	return omm.NewRequest(omm.DomainDictionary, streamID).RemoveFlags(omm.FlagStreaming).
		SetName(name).SetServiceID(serviceID).SetFilter(DictionaryVerbosityNormal)
}

// EncodeFieldDictionary splits the dictionary into Series parts of at most
// partSize fields each. Only the first part has the summary. There is always
// at least one part.
func EncodeFieldDictionary(d *dictionary.Dictionary, partSize int) []*codec.Series {
	if partSize <= 0 {
		partSize = 100
	}
	fields := d.Fields()
	var parts []*codec.Series
	for start := 0; start == 0 || start < len(fields); start += partSize {
		s := &codec.Series{ContainerType: codec.DataTypeElementList}
		if start == 0 {
			s.Summary = new(codec.ElementList).
				Add("Version", codec.ASCIIValue(d.Version)).
				Add("Type", codec.UIntValue(1)).
				Add("DictionaryId", codec.IntValue(0))
			s.TotalCountHint = uint32(len(fields))
		}
		end := start + partSize
		if end > len(fields) {
			end = len(fields)
		}
		for _, f := range fields[start:end] {
			ripples := f.RipplesTo
			if ripples == "" {
				ripples = "NULL"
			}
			s.Entries = append(s.Entries, codec.SeriesEntry{Payload: new(codec.ElementList).
				Add("NAME", codec.ASCIIValue(f.Acronym)).
				Add("DDE", codec.ASCIIValue(f.DDEAcronym)).
				Add("FID", codec.IntValue(int64(f.ID))).
				Add("RIPPLETO", codec.ASCIIValue(ripples)).
				Add("TYPE", codec.ASCIIValue(f.FieldType)).
				Add("LENGTH", codec.UIntValue(uint64(f.Length))).
				Add("RWFTYPE", codec.UIntValue(uint64(f.Type))).
				Add("RWFLEN", codec.UIntValue(uint64(f.RWFLength)))})
		}
		parts = append(parts, s)
	}
	return parts
}

// DecodeFieldDictionaryPart adds the fields of one Series part to d. Entries
// that are errors or incomplete fail the part.
func DecodeFieldDictionaryPart(d *dictionary.Dictionary, payload codec.Container) error {
	s, ok := payload.(*codec.Series)
	if !ok {
		if payload == nil {
			return fmt.Errorf("dictionary part has no payload")
		}
		return fmt.Errorf("dictionary part is %v, not Series", payload.DataType())
	}
	if summary, _ := s.Summary.(*codec.ElementList); summary != nil {
		if v := elementString(summary, "Version"); v != "" {
			d.Version = v
		}
	}
	for i, entry := range s.Entries {
		l, ok := entry.Payload.(*codec.ElementList)
		if !ok {
			return fmt.Errorf("dictionary entry %d is not an element list", i)
		}
		fid, ok := l.Get("FID")
		if !ok || fid.Type != codec.DataTypeInt {
			return fmt.Errorf("dictionary entry %d missing FID", i)
		}
		f := dictionary.Field{
			ID:         int16(fid.Int),
			Acronym:    elementString(l, "NAME"),
			DDEAcronym: elementString(l, "DDE"),
			RipplesTo:  elementString(l, "RIPPLETO"),
			FieldType:  elementString(l, "TYPE"),
			Length:     int(elementUInt(l, "LENGTH", 0)),
			Type:       codec.DataType(elementUInt(l, "RWFTYPE", 0)),
			RWFLength:  int(elementUInt(l, "RWFLEN", 0)),
		}
		if f.RipplesTo == "NULL" {
			f.RipplesTo = ""
		}
		if err := d.Add(f); err != nil {
			return fmt.Errorf("dictionary entry %d: %w", i, err)
		}
	}
	return nil
}
