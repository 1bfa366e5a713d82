// Package target resolves the call destination, gateway and account
// credentials for an outbound call.
package target

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMissingField is wrapped by every FieldError.
var ErrMissingField = errors.New("required field missing")

// Field names reported by FieldError.
const (
	FieldGateway      = "gateway"
	FieldPhone        = "phone"
	FieldAuthUser     = "auth_user"
	FieldAuthPassword = "auth_password"
)

// Environment keys consulted after explicit and parsed values.
const (
	EnvGateway  = "SIP_GATEWAY"
	EnvUsername = "SIP_USERNAME"
	EnvPassword = "SIP_PASSWORD"
)

// DefaultLocalPort is used when no local port is given.
const DefaultLocalPort = 5060

// FieldError reports a field that no source could supply.
type FieldError struct {
	Field string
	Hint  string
}

func (e *FieldError) Error() string {
	if e.Hint == "" {
		return fmt.Sprintf("%s is required", e.Field)
	}
	return fmt.Sprintf("%s is required (%s)", e.Field, e.Hint)
}

func (e *FieldError) Unwrap() error { return ErrMissingField }

// Env looks up a default value by key. An empty string means unset.
type Env func(key string) string

// MapEnv adapts a map to Env.
func MapEnv(m map[string]string) Env {
	return func(key string) string { return m[key] }
}

// Chain returns an Env that consults each source in order.
func Chain(sources ...Env) Env {
	return func(key string) string {
		for _, s := range sources {
			if s == nil {
				continue
			}
			if v := s(key); v != "" {
				return v
			}
		}
		return ""
	}
}

// Overrides are explicit per-call values; they win over everything else.
type Overrides struct {
	Phone        string
	Gateway      string
	From         string
	AuthUser     string
	AuthPassword string
	LocalIP      string
	LocalPort    int
}

// Target is a fully resolved call target. It is a value type.
type Target struct {
	SIPTo        string
	From         string
	Phone        string
	Gateway      string
	AuthUser     string
	AuthPassword string
	LocalIP      string
	LocalPort    int
}

// URI returns the request URI for the call.
func (t Target) URI() string {
	return "sip:" + t.Phone + "@" + t.Gateway
}

// AccountUser returns the user part of AuthUser.
func (t Target) AccountUser() string {
	user, _, _ := strings.Cut(t.AuthUser, "@")
	return user
}

// AccountID returns the account identity URI.
func (t Target) AccountID() string {
	return "sip:" + t.AccountUser() + "@" + t.Gateway
}

// RegistrarURI returns the registrar URI for the account.
func (t Target) RegistrarURI() string {
	return "sip:" + t.Gateway
}

// Parse splits "sip:<destination>@<domain>". The sip: scheme is optional
// and either side may be empty; any other scheme is a FieldPhone error. No
// further URI grammar is applied.
func Parse(sipTo string) (phone, domain string, err error) {
	s := strings.TrimSpace(sipTo)
	if scheme, rest, ok := cutScheme(s); ok {
		if !strings.EqualFold(scheme, "sip") {
			return "", "", &FieldError{Field: FieldPhone, Hint: "unsupported scheme " + scheme + ":, expected sip:<destination>@<domain>"}
		}
		s = rest
	}
	phone, domain, _ = strings.Cut(s, "@")
	return phone, domain, nil
}

// cutScheme splits a leading RFC 3986 scheme ("sip:", "tel:", "sips:").
// The user part of a bare "<destination>@<domain>" never matches because
// the scheme ends at the first character outside its grammar.
func cutScheme(s string) (scheme, rest string, ok bool) {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case i > 0 && (c >= '0' && c <= '9' || c == '+' || c == '-' || c == '.'):
		case i > 0 && c == ':':
			return s[:i], s[i+1:], true
		default:
			return "", s, false
		}
	}
	return "", s, false
}

// Resolve builds a Target from the descriptor, explicit overrides and env.
// Per field the order is override, parsed value, (auth user only) From,
// then env.
func Resolve(sipTo string, o Overrides, env Env) (Target, error) {
	if env == nil {
		env = func(string) string { return "" }
	}
	phone, domain, err := Parse(sipTo)
	if err != nil {
		return Target{}, err
	}

	t := Target{
		SIPTo:     sipTo,
		From:      o.From,
		Phone:     first(o.Phone, phone),
		Gateway:   first(o.Gateway, domain, env(EnvGateway)),
		LocalIP:   o.LocalIP,
		LocalPort: o.LocalPort,
	}
	t.AuthUser = first(o.AuthUser, o.From, env(EnvUsername))
	t.AuthPassword = first(o.AuthPassword, env(EnvPassword))
	if t.LocalPort == 0 {
		t.LocalPort = DefaultLocalPort
	}

	if t.Gateway == "" {
		return Target{}, &FieldError{Field: FieldGateway, Hint: "pass it in the URI, as an override, or set " + EnvGateway}
	}
	if t.Phone == "" {
		return Target{}, &FieldError{Field: FieldPhone, Hint: "expected sip:<destination>@<domain>"}
	}
	if t.AuthUser == "" {
		return Target{}, &FieldError{Field: FieldAuthUser, Hint: "pass it as an override or set " + EnvUsername}
	}
	if t.AuthPassword == "" {
		return Target{}, &FieldError{Field: FieldAuthPassword, Hint: "pass it as an override or set " + EnvPassword}
	}
	return t, nil
}

func first(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
