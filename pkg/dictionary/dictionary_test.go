package dictionary

import (
	"strings"
	"testing"

	"github.com/cretz/omm/pkg/codec"
	"github.com/stretchr/testify/require"
)

const sample = `!tag Version 1.2.3
!ACRONYM    DDE ACRONYM          FID  RIPPLES TO  FIELD TYPE     LENGTH  RWF TYPE   RWF LEN
BID        "BID"                   22  BID_1       PRICE              17  REAL64          7
DSPLY_NAME "DISPLAY NAME"           3  NULL        ALPHANUMERIC       16  RMTES_STRING   16
CURRENCY   "CURRENCY"              15  NULL        ENUMERATED    3 ( 5 )  ENUM            2

PROV_SYMB  "PROVIDER SYMBOL"       -1  NULL        ALPHANUMERIC       40  RMTES_STRING   40
`

func TestParse(t *testing.T) {
	d, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)
	require.Equal(t, "1.2.3", d.Version)
	require.Equal(t, 4, d.Len())

	f, ok := d.Field(3)
	require.True(t, ok)
	require.Equal(t, Field{
		ID:         3,
		Acronym:    "DSPLY_NAME",
		DDEAcronym: "DISPLAY NAME",
		FieldType:  "ALPHANUMERIC",
		Length:     16,
		Type:       codec.DataTypeRMTESString,
		RWFLength:  16,
	}, f)

	f, ok = d.FieldByAcronym("CURRENCY")
	require.True(t, ok)
	require.Equal(t, codec.DataTypeEnum, f.Type)
	require.Equal(t, 3, f.Length)

	f, ok = d.Field(22)
	require.True(t, ok)
	require.Equal(t, "BID_1", f.RipplesTo)

	typ, ok := d.FieldType(-1)
	require.True(t, ok)
	require.Equal(t, codec.DataTypeRMTESString, typ)
	_, ok = d.FieldType(9999)
	require.False(t, ok)

	var ids []int16
	for _, f := range d.Fields() {
		ids = append(ids, f.ID)
	}
	require.Equal(t, []int16{-1, 3, 15, 22}, ids)
}

func TestParseErrors(t *testing.T) {
	for name, text := range map[string]string{
		"columns":   `BID "BID" 22 NULL PRICE 17 REAL64`,
		"fid":       `BID "BID" x NULL PRICE 17 REAL64 7`,
		"type":      `BID "BID" 22 NULL PRICE 17 REAL99 7`,
		"quote":     `BID "BID 22 NULL PRICE 17 REAL64 7`,
		"duplicate": "BID \"BID\" 22 NULL PRICE 17 REAL64 7\nASK \"ASK\" 22 NULL PRICE 17 REAL64 7",
	} {
		_, err := Parse(strings.NewReader(text))
		require.Error(t, err, name)
	}
}

func TestDefault(t *testing.T) {
	d := Default()
	require.Same(t, d, Default())
	for acronym, fid := range map[string]int16{
		"DSPLY_NAME": 3,
		"TRDPRC_1":   6,
		"BID":        22,
		"ASK":        25,
		"ACVOL_1":    32,
	} {
		f, ok := d.FieldByAcronym(acronym)
		require.True(t, ok, acronym)
		require.Equal(t, fid, f.ID)
	}
	// Usable directly by the codec
	c := codec.Codec{Dictionary: d}
	b, err := c.Encode(new(codec.FieldList).Add(22, codec.RealValue(10125, codec.RealExponentNeg2)))
	require.NoError(t, err)
	out, err := c.Decode(b, codec.DataTypeFieldList)
	require.NoError(t, err)
	bid, ok := out.(*codec.FieldList).Get(22)
	require.True(t, ok)
	require.Equal(t, "101.25", bid.Real.String())
}
