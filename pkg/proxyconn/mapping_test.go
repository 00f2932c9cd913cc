package proxyconn

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/cipherstash/csproxy/pkg/cipher"
	"github.com/cipherstash/csproxy/pkg/eqlmapper"
)

func TestColumnFromTermFullTermAppliesIndexes(t *testing.T) {
	term := eqlmapper.FullTerm{
		Col: eqlmapper.ColumnRef{Table: "users", Column: "email"},
		Config: eqlmapper.ColumnConfig{
			Cast: "text",
			Indexes: []eqlmapper.IndexConfig{
				{Kind: eqlmapper.IndexUnique},
				{Kind: eqlmapper.IndexMatch},
			},
		},
	}

	col := columnFromTerm(term)
	if col.Table != "users" || col.Column != "email" {
		t.Fatalf("unexpected column ref: %+v", col)
	}
	if !col.Unique {
		t.Fatal("expected unique index to be applied")
	}
	if !col.Match {
		t.Fatal("expected match index to be applied")
	}
	if col.Ore {
		t.Fatal("did not expect ore index")
	}
}

func TestColumnFromTermTokenizedSetsMatch(t *testing.T) {
	term := eqlmapper.TokenizedTerm{Col: eqlmapper.ColumnRef{Table: "t", Column: "c"}}
	col := columnFromTerm(term)
	if !col.Match {
		t.Fatal("expected tokenized term to set Match")
	}
}

func TestColumnFromTermJSONPathSetsSteVecPrefix(t *testing.T) {
	term := eqlmapper.JSONPathTerm{Col: eqlmapper.ColumnRef{Table: "t", Column: "c"}, Path: "$.a.b"}
	col := columnFromTerm(term)
	if !col.SteVec {
		t.Fatal("expected json path term to set SteVec")
	}
	if col.SteVecPathPrefix != "$.a.b" {
		t.Fatalf("expected path prefix preserved, got %q", col.SteVecPathPrefix)
	}
}

func TestDecodeTextParamRoundTrips(t *testing.T) {
	cases := []struct {
		cast cipher.CastType
		in   string
		want interface{}
	}{
		{cipher.CastBoolean, "true", true},
		{cipher.CastInt, "42", int64(42)},
		{cipher.CastBigInt, "9999999999", int64(9999999999)},
		{cipher.CastFloat, "3.5", 3.5},
		{cipher.CastDecimal, "1234.5", 1234.5},
	}
	for _, c := range cases {
		pt, err := decodeTextParam(c.in, c.cast)
		if err != nil {
			t.Fatalf("decodeTextParam(%q, %v) returned error: %v", c.in, c.cast, err)
		}
		if pt.Value != c.want {
			t.Fatalf("decodeTextParam(%q, %v) = %v, want %v", c.in, c.cast, pt.Value, c.want)
		}
	}
}

func TestDecodeTextParamDefaultCastKeepsString(t *testing.T) {
	pt, err := decodeTextParam("hello", cipher.CastType("text"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pt.Value != "hello" {
		t.Fatalf("expected raw string passthrough, got %v", pt.Value)
	}
}

func TestDecodeTextParamInvalidIntReturnsError(t *testing.T) {
	if _, err := decodeTextParam("not-a-number", cipher.CastInt); err == nil {
		t.Fatal("expected error for malformed int literal")
	}
}

func TestDecodeBinaryParamInt4(t *testing.T) {
	raw := make([]byte, 4)
	var v int32 = -7
	binary.BigEndian.PutUint32(raw, uint32(v))
	pt, err := decodeBinaryParam(raw, cipher.CastInt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pt.Value != int64(-7) {
		t.Fatalf("expected -7, got %v", pt.Value)
	}
}

func TestDecodeBinaryParamFloat8(t *testing.T) {
	raw := make([]byte, 8)
	binary.BigEndian.PutUint64(raw, math.Float64bits(2.5))
	pt, err := decodeBinaryParam(raw, cipher.CastFloat)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pt.Value != 2.5 {
		t.Fatalf("expected 2.5, got %v", pt.Value)
	}
}

func TestDecodeBinaryParamWrongWidthErrors(t *testing.T) {
	if _, err := decodeBinaryParam([]byte{1, 2, 3}, cipher.CastInt); err == nil {
		t.Fatal("expected error for wrong-width int4 payload")
	}
}

func TestDecodeParamValueNilRawIsNil(t *testing.T) {
	pt, err := decodeParamValue(nil, true, cipher.CastInt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pt != nil {
		t.Fatalf("expected nil plaintext for nil raw, got %+v", pt)
	}
}

func TestPlaintextToWire(t *testing.T) {
	cases := []struct {
		pt   *cipher.Plaintext
		want string
	}{
		{&cipher.Plaintext{Value: "hi"}, "hi"},
		{&cipher.Plaintext{Value: true}, "t"},
		{&cipher.Plaintext{Value: false}, "f"},
		{&cipher.Plaintext{Value: int64(-5)}, "-5"},
		{&cipher.Plaintext{Value: uint64(5)}, "5"},
		{&cipher.Plaintext{Value: 1.5}, "1.5"},
	}
	for _, c := range cases {
		got, err := plaintextToWire(c.pt)
		if err != nil {
			t.Fatalf("plaintextToWire(%+v) returned error: %v", c.pt, err)
		}
		if string(got) != c.want {
			t.Fatalf("plaintextToWire(%+v) = %q, want %q", c.pt, got, c.want)
		}
	}
}

func TestPlaintextToWireNilIsNil(t *testing.T) {
	got, err := plaintextToWire(nil)
	if err != nil || got != nil {
		t.Fatalf("expected nil, nil for nil plaintext, got %v, %v", got, err)
	}
}

func TestPlaintextToWireUnsupportedTypeErrors(t *testing.T) {
	_, err := plaintextToWire(&cipher.Plaintext{Value: struct{}{}})
	if err == nil {
		t.Fatal("expected error for unsupported plaintext value type")
	}
}
