package proxyconn

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/cipherstash/csproxy/pkg/cipher"
	"github.com/cipherstash/csproxy/pkg/csproxyerr"
	"github.com/cipherstash/csproxy/pkg/eqlmapper"
)

// columnFromTerm builds the cipher.Column that selects the right index
// material for one EqlTerm.
func columnFromTerm(term eqlmapper.EqlTerm) *cipher.Column {
	ref := term.Column()
	col := &cipher.Column{Table: ref.Table, Column: ref.Column}
	switch t := term.(type) {
	case eqlmapper.FullTerm:
		col.Cast = cipher.CastType(t.Config.Cast)
		for _, ix := range t.Config.Indexes {
			applyIndex(col, ix.Kind, ix.PathPrefix)
		}
	case eqlmapper.PartialTerm:
		applyTraits(col, t.T)
	case eqlmapper.TokenizedTerm:
		col.Match = true
	case eqlmapper.JSONAccessorTerm:
		col.SteVec = true
	case eqlmapper.JSONPathTerm:
		col.SteVec = true
		col.SteVecPathPrefix = t.Path
	}
	return col
}

func applyIndex(col *cipher.Column, kind eqlmapper.IndexKind, pathPrefix string) {
	switch kind {
	case eqlmapper.IndexUnique:
		col.Unique = true
	case eqlmapper.IndexMatch:
		col.Match = true
	case eqlmapper.IndexOre:
		col.Ore = true
	case eqlmapper.IndexSteVec:
		col.SteVec = true
		col.SteVecPathPrefix = pathPrefix
	}
}

func applyTraits(col *cipher.Column, t eqlmapper.TraitSet) {
	if t.Has(eqlmapper.TraitEq) {
		col.Unique = true
	}
	if t.Has(eqlmapper.TraitOrd) {
		col.Ore = true
	}
	if t.Has(eqlmapper.TraitTokenMatch) {
		col.Match = true
	}
	if t.Has(eqlmapper.TraitJsonLike) || t.Has(eqlmapper.TraitContain) {
		col.SteVec = true
	}
}

// literalPlaintext extracts the plaintext Go value a *pg_query.A_Const
// literal carries, canonicalized against the term's cast type.
func literalPlaintext(lit eqlmapper.Literal, cast cipher.CastType) (*cipher.Plaintext, error) {
	switch v := lit.Node.Val.(type) {
	case *pg_query.A_Const_Sval:
		return &cipher.Plaintext{Cast: cast, Value: v.Sval.GetSval()}, nil
	case *pg_query.A_Const_Ival:
		return &cipher.Plaintext{Cast: cast, Value: int64(v.Ival.GetIval())}, nil
	case *pg_query.A_Const_Fval:
		return &cipher.Plaintext{Cast: cast, Value: v.Fval.GetFval()}, nil
	case *pg_query.A_Const_Boolval:
		return &cipher.Plaintext{Cast: cast, Value: v.Boolval.GetBoolval()}, nil
	default:
		return nil, fmt.Errorf("proxyconn: unsupported literal node for encryption")
	}
}

// literalCipherFn builds the transform.LiteralEncryptFunc the pipeline
// rewrite calls for each plaintext literal bound
// to an encrypted column.
func (conn *Connection) literalCipherFn(ctx context.Context, keysetID string) func(lit eqlmapper.Literal) (string, error) {
	return func(lit eqlmapper.Literal) (string, error) {
		col := columnFromTerm(lit.Term)
		pt, err := literalPlaintext(lit, col.Cast)
		if err != nil {
			return "", err
		}
		cts, err := conn.ciphers.Encrypt(ctx, keysetID, []*cipher.Plaintext{pt}, []*cipher.Column{col})
		if err != nil {
			return "", err
		}
		payload := cts[0].Payload
		payload.V = cipher.CurrentPayloadVersion
		payload.I = cipher.PayloadI{T: col.Table, C: col.Column}
		body, err := json.Marshal(payload)
		if err != nil {
			return "", err
		}
		return string(body), nil
	}
}

// encryptParam encrypts one Bind parameter value given the EqlType the
// Parse-time inference assigned to its placeholder.
func (conn *Connection) encryptParam(ctx context.Context, keysetID string, term eqlmapper.EqlTerm, raw []byte, textFormat bool) ([]byte, error) {
	col := columnFromTerm(term)
	pt, err := decodeParamValue(raw, textFormat, col.Cast)
	if err != nil {
		return nil, err
	}
	cts, err := conn.ciphers.Encrypt(ctx, keysetID, []*cipher.Plaintext{pt}, []*cipher.Column{col})
	if err != nil {
		return nil, err
	}
	payload := cts[0].Payload
	payload.V = cipher.CurrentPayloadVersion
	payload.I = cipher.PayloadI{T: col.Table, C: col.Column}
	return json.Marshal(payload)
}

// decryptResultValue parses an EQL JSONB payload read from the server
// and decrypts it back to the plaintext wire bytes the client expects.
func (conn *Connection) decryptResultValue(ctx context.Context, keysetID string, raw []byte) ([]byte, error) {
	var payload cipher.Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, cipher.ErrPlaintextDecodeFailed
	}
	pts, err := conn.ciphers.Decrypt(ctx, keysetID, []*cipher.Ciphertext{{Payload: payload}})
	if err != nil {
		return nil, err
	}
	return plaintextToWire(pts[0])
}

// decodeParamValue parses one Bind parameter's wire bytes into a
// cipher.Plaintext, honoring both the text and binary formats the
// extended protocol allows.
func decodeParamValue(raw []byte, textFormat bool, cast cipher.CastType) (*cipher.Plaintext, error) {
	if raw == nil {
		return nil, nil
	}
	if textFormat {
		return decodeTextParam(string(raw), cast)
	}
	return decodeBinaryParam(raw, cast)
}

func decodeTextParam(s string, cast cipher.CastType) (*cipher.Plaintext, error) {
	switch cast {
	case cipher.CastBoolean:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, csproxyerr.ErrUnsupportedParamType.WithDetail(s)
		}
		return &cipher.Plaintext{Cast: cast, Value: b}, nil
	case cipher.CastInt, cipher.CastSmallInt, cipher.CastBigInt:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, csproxyerr.ErrUnsupportedParamType.WithDetail(s)
		}
		return &cipher.Plaintext{Cast: cast, Value: n}, nil
	case cipher.CastBigUInt:
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, csproxyerr.ErrUnsupportedParamType.WithDetail(s)
		}
		return &cipher.Plaintext{Cast: cast, Value: n}, nil
	case cipher.CastFloat, cipher.CastDecimal:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, csproxyerr.ErrUnsupportedParamType.WithDetail(s)
		}
		return &cipher.Plaintext{Cast: cast, Value: f}, nil
	default:
		return &cipher.Plaintext{Cast: cast, Value: s}, nil
	}
}

func decodeBinaryParam(raw []byte, cast cipher.CastType) (*cipher.Plaintext, error) {
	switch cast {
	case cipher.CastBoolean:
		if len(raw) != 1 {
			return nil, csproxyerr.ErrUnsupportedParamType.WithDetail("expected 1-byte bool")
		}
		return &cipher.Plaintext{Cast: cast, Value: raw[0] != 0}, nil
	case cipher.CastSmallInt:
		if len(raw) != 2 {
			return nil, csproxyerr.ErrUnsupportedParamType.WithDetail("expected int2")
		}
		return &cipher.Plaintext{Cast: cast, Value: int64(int16(binary.BigEndian.Uint16(raw)))}, nil
	case cipher.CastInt:
		if len(raw) != 4 {
			return nil, csproxyerr.ErrUnsupportedParamType.WithDetail("expected int4")
		}
		return &cipher.Plaintext{Cast: cast, Value: int64(int32(binary.BigEndian.Uint32(raw)))}, nil
	case cipher.CastBigInt:
		if len(raw) != 8 {
			return nil, csproxyerr.ErrUnsupportedParamType.WithDetail("expected int8")
		}
		return &cipher.Plaintext{Cast: cast, Value: int64(binary.BigEndian.Uint64(raw))}, nil
	case cipher.CastFloat:
		if len(raw) != 8 {
			return nil, csproxyerr.ErrUnsupportedParamType.WithDetail("expected float8")
		}
		return &cipher.Plaintext{Cast: cast, Value: math.Float64frombits(binary.BigEndian.Uint64(raw))}, nil
	default:
		return &cipher.Plaintext{Cast: cast, Value: string(raw)}, nil
	}
}

// plaintextToWire renders a decrypted Plaintext back into the text wire
// format the client expects in a DataRow field.
func plaintextToWire(pt *cipher.Plaintext) ([]byte, error) {
	if pt == nil {
		return nil, nil
	}
	switch v := pt.Value.(type) {
	case string:
		return []byte(v), nil
	case bool:
		if v {
			return []byte("t"), nil
		}
		return []byte("f"), nil
	case int64:
		return []byte(strconv.FormatInt(v, 10)), nil
	case uint64:
		return []byte(strconv.FormatUint(v, 10)), nil
	case float64:
		return []byte(strconv.FormatFloat(v, 'g', -1, 64)), nil
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, cipher.ErrPlaintextDecodeFailed
		}
		return b, nil
	default:
		return nil, cipher.ErrPlaintextDecodeFailed
	}
}
