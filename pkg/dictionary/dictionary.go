package dictionary

import (
	"bufio"
	_ "embed"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cretz/omm/pkg/codec"
)

// Field is one row of a field dictionary.
type Field struct {
	ID         int16
	Acronym    string
	DDEAcronym string
	// Empty when the field ripples nowhere
	RipplesTo string
	// Marketfeed type name, e.g. PRICE or ENUMERATED
	FieldType string
	Length    int
	Type      codec.DataType
	RWFLength int
}

// Dictionary resolves field ids and acronyms. It is safe for concurrent
// lookups once loading is finished, but Add is not safe to call concurrently
// with anything else.
type Dictionary struct {
	// Set from "!tag Version" when parsed
	Version string
	byID    map[int16]*Field
	byName  map[string]*Field
}

var _ codec.FieldDictionary = (*Dictionary)(nil)

func New() *Dictionary {
	return &Dictionary{byID: map[int16]*Field{}, byName: map[string]*Field{}}
}

// Add fails if the id or acronym is already present.
func (d *Dictionary) Add(f Field) error {
	if f.Acronym == "" {
		return fmt.Errorf("field %d missing acronym", f.ID)
	} else if !f.Type.IsPrimitive() && !f.Type.IsContainer() {
		return fmt.Errorf("field %v has invalid type %v", f.Acronym, f.Type)
	} else if existing := d.byID[f.ID]; existing != nil {
		return fmt.Errorf("field id %d already defined as %v", f.ID, existing.Acronym)
	} else if existing := d.byName[f.Acronym]; existing != nil {
		return fmt.Errorf("acronym %v already defined as field %d", f.Acronym, existing.ID)
	}
	d.byID[f.ID] = &f
	d.byName[f.Acronym] = &f
	return nil
}

func (d *Dictionary) FieldType(fid int16) (codec.DataType, bool) {
	if f := d.byID[fid]; f != nil {
		return f.Type, true
	}
	return codec.DataTypeUnknown, false
}

func (d *Dictionary) Field(fid int16) (Field, bool) {
	if f := d.byID[fid]; f != nil {
		return *f, true
	}
	return Field{}, false
}

func (d *Dictionary) FieldByAcronym(acronym string) (Field, bool) {
	if f := d.byName[acronym]; f != nil {
		return *f, true
	}
	return Field{}, false
}

// Fields returns copies sorted by id.
func (d *Dictionary) Fields() []Field {
	fields := make([]Field, 0, len(d.byID))
	for _, f := range d.byID {
		fields = append(fields, *f)
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].ID < fields[j].ID })
	return fields
}

func (d *Dictionary) Len() int { return len(d.byID) }

// LoadFile parses a field dictionary file.
func LoadFile(path string) (*Dictionary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	d, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed parsing %v: %w", path, err)
	}
	return d, nil
}

// Parse reads the RDMFieldDictionary text layout: one field per line with
// acronym, quoted DDE acronym, fid, ripples-to, field type, length, RWF type
// and RWF length. Lines starting with "!" are comments except for "!tag".
func Parse(r io.Reader) (*Dictionary, error) {
	d := New()
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		} else if strings.HasPrefix(line, "!") {
			if tag := strings.Fields(strings.TrimPrefix(line, "!tag ")); strings.HasPrefix(line, "!tag ") &&
				len(tag) >= 2 && tag[0] == "Version" {
				d.Version = tag[1]
			}
			continue
		}
		f, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		} else if err = d.Add(f); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return d, nil
}

func parseLine(line string) (Field, error) {
	tokens, err := tokenize(line)
	if err != nil {
		return Field{}, err
	}
	// Enumerated lengths carry an extra "( n )" token
	if len(tokens) == 9 && strings.HasPrefix(tokens[6], "(") {
		tokens = append(tokens[:6], tokens[7:]...)
	}
	if len(tokens) != 8 {
		return Field{}, fmt.Errorf("expected 8 columns, got %v", len(tokens))
	}
	f := Field{Acronym: tokens[0], DDEAcronym: tokens[1], FieldType: tokens[4]}
	fid, err := strconv.ParseInt(tokens[2], 10, 16)
	if err != nil {
		return Field{}, fmt.Errorf("invalid fid %q", tokens[2])
	}
	f.ID = int16(fid)
	if tokens[3] != "NULL" {
		f.RipplesTo = tokens[3]
	}
	if f.Length, err = strconv.Atoi(tokens[5]); err != nil {
		return Field{}, fmt.Errorf("invalid length %q", tokens[5])
	}
	if f.Type, err = codec.ParseDataType(tokens[6]); err != nil {
		return Field{}, err
	}
	if f.RWFLength, err = strconv.Atoi(tokens[7]); err != nil {
		return Field{}, fmt.Errorf("invalid RWF length %q", tokens[7])
	}
	return f, nil
}

// tokenize splits on whitespace, keeping quoted strings and parenthesized
// groups as single tokens.
func tokenize(line string) ([]string, error) {
	var tokens []string
	for i := 0; i < len(line); {
		switch c := line[i]; {
		case c == ' ' || c == '\t':
			i++
		case c == '"':
			end := strings.IndexByte(line[i+1:], '"')
			if end < 0 {
				return nil, fmt.Errorf("unterminated quote")
			}
			tokens = append(tokens, line[i+1:i+1+end])
			i += end + 2
		case c == '(':
			end := strings.IndexByte(line[i:], ')')
			if end < 0 {
				return nil, fmt.Errorf("unterminated parenthesis")
			}
			tokens = append(tokens, strings.Join(strings.Fields(line[i:i+end+1]), ""))
			i += end + 1
		default:
			end := strings.IndexAny(line[i:], " \t")
			if end < 0 {
				end = len(line) - i
			}
			tokens = append(tokens, line[i:i+end])
			i += end
		}
	}
	return tokens, nil
}

//go:embed field_dictionary.txt
var defaultDictionaryText string

var (
	defaultDictionary     *Dictionary
	defaultDictionaryOnce sync.Once
)

// Default returns the built-in dictionary of common MarketPrice and
// MarketByOrder fields. The result is shared and must not be mutated.
func Default() *Dictionary {
	defaultDictionaryOnce.Do(func() {
		d, err := Parse(strings.NewReader(defaultDictionaryText))
		if err != nil {
			panic(fmt.Errorf("invalid built-in dictionary: %w", err))
		}
		defaultDictionary = d
	})
	return defaultDictionary
}
