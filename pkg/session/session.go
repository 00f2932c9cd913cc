// Package session implements the proxy-local session command
// interpreter: `SET CIPHERSTASH.<NAME> = <literal>` and its dotted
// quoted form never reach the upstream. Recognized names mutate
// connection-scoped state consulted by the rest of the pipeline.
package session

import (
	"strconv"
	"strings"

	"github.com/cipherstash/csproxy/pkg/csproxyerr"
)

// Name is one of the recognized CIPHERSTASH.<NAME> session settings.
type Name string

const (
	KeysetID             Name = "KEYSET_ID"
	KeysetName           Name = "KEYSET_NAME"
	UnsafeDisableMapping Name = "UNSAFE_DISABLE_MAPPING"
)

// State is the connection-scoped state the interpreter mutates. It is
// embedded into the larger per-connection Context (pkg/proxyconn) rather
// than defined there, so the grammar and its effects stay unit
// testable in isolation.
type State struct {
	KeysetID        string // canonicalized UUID form; empty if unset
	KeysetName      string // symbolic name last resolved into KeysetID; empty if unset or after a KEYSET_ID command
	MappingDisabled bool
}

// Command is a successfully parsed `SET CIPHERSTASH.<NAME> = <value>`.
type Command struct {
	Name    Name
	RawText string // the literal text as written, for KEYSET_ID/KEYSET_NAME
	Bool    bool   // for UNSAFE_DISABLE_MAPPING
}

// Parse recognizes the proxy-local command grammar against a single
// simple-query or unnamed-statement body. ok is false when sql is not a
// CIPHERSTASH session command at all (the caller should forward it
// normally); err is non-nil when it looks like one but is malformed.
func Parse(sql string) (cmd *Command, ok bool, err error) {
	s := strings.TrimSpace(sql)
	s = strings.TrimSuffix(s, ";")
	s = strings.TrimSpace(s)

	lower := strings.ToLower(s)
	if !strings.HasPrefix(lower, "set ") {
		return nil, false, nil
	}
	rest := strings.TrimSpace(s[len("set "):])

	name, rest, matched := stripSettingName(rest)
	if !matched {
		return nil, false, nil
	}

	rest = strings.TrimSpace(rest)
	if !strings.HasPrefix(rest, "=") {
		return nil, true, csproxyerr.ErrSyntax.WithDetail("expected '=' after CIPHERSTASH." + string(name))
	}
	valueText := strings.TrimSpace(rest[1:])

	switch name {
	case KeysetID, KeysetName:
		lit, lerr := parseStringLiteral(valueText)
		if lerr != nil {
			return nil, true, lerr
		}
		return &Command{Name: name, RawText: lit}, true, nil
	case UnsafeDisableMapping:
		b, berr := parseBoolLiteral(valueText)
		if berr != nil {
			return nil, true, berr
		}
		return &Command{Name: name, Bool: b}, true, nil
	default:
		return nil, true, csproxyerr.ErrSyntax.WithDetail("unrecognized CIPHERSTASH setting")
	}
}

const (
	unquotedPrefix = "cipherstash."
	quotedPrefix   = `"cipherstash".`
)

// stripSettingName matches both `CIPHERSTASH.<NAME>` and
// `"CIPHERSTASH"."<NAME>"` forms, case-insensitively for the unquoted
// variant, and returns the remainder of the string after the name.
func stripSettingName(rest string) (Name, string, bool) {
	lower := strings.ToLower(rest)

	switch {
	case strings.HasPrefix(lower, unquotedPrefix):
		n, remainder := splitIdent(rest[len(unquotedPrefix):])
		return Name(strings.ToUpper(n)), remainder, n != ""
	case strings.HasPrefix(lower, quotedPrefix):
		afterNs := rest[len(quotedPrefix):]
		if strings.HasPrefix(afterNs, `"`) {
			end := strings.Index(afterNs[1:], `"`)
			if end < 0 {
				return "", rest, false
			}
			n := afterNs[1 : 1+end]
			return Name(strings.ToUpper(n)), afterNs[1+end+1:], true
		}
		n, remainder := splitIdent(afterNs)
		return Name(strings.ToUpper(n)), remainder, n != ""
	default:
		return "", rest, false
	}
}

func splitIdent(s string) (ident, remainder string) {
	i := 0
	for i < len(s) {
		c := s[i]
		if c == '=' || c == ' ' || c == '\t' {
			break
		}
		i++
	}
	return strings.TrimSpace(s[:i]), s[i:]
}

func parseStringLiteral(s string) (string, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '\'' || s[len(s)-1] != '\'' {
		return "", csproxyerr.ErrSyntax.WithDetail("KEYSET_ID/KEYSET_NAME requires a quoted string literal")
	}
	inner := s[1 : len(s)-1]
	return strings.ReplaceAll(inner, "''", "'"), nil
}

func parseBoolLiteral(s string) (bool, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Trim(s, "'")
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, csproxyerr.ErrSyntax.WithDetail("UNSAFE_DISABLE_MAPPING requires a boolean literal")
	}
	return b, nil
}
