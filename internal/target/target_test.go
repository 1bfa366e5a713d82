package target

import (
	"errors"
	"testing"
)

func fullEnv() Env {
	return MapEnv(map[string]string{
		EnvGateway:  "env.gw.example",
		EnvUsername: "env-user",
		EnvPassword: "env-pass",
	})
}

func TestResolvePrecedence(t *testing.T) {
	tests := []struct {
		name        string
		sipTo       string
		o           Overrides
		wantGateway string
		wantPhone   string
		wantUser    string
	}{
		{
			name:        "override wins",
			sipTo:       "sip:100@parsed.example",
			o:           Overrides{Gateway: "override.example", Phone: "200", AuthUser: "alice"},
			wantGateway: "override.example",
			wantPhone:   "200",
			wantUser:    "alice",
		},
		{
			name:        "parsed beats env",
			sipTo:       "sip:100@parsed.example",
			wantGateway: "parsed.example",
			wantPhone:   "100",
			wantUser:    "env-user",
		},
		{
			name:        "env fills missing domain",
			sipTo:       "sip:100",
			wantGateway: "env.gw.example",
			wantPhone:   "100",
			wantUser:    "env-user",
		},
		{
			name:        "from is default auth user",
			sipTo:       "sip:100@parsed.example",
			o:           Overrides{From: "bob@example.com"},
			wantGateway: "parsed.example",
			wantPhone:   "100",
			wantUser:    "bob@example.com",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.sipTo, tt.o, fullEnv())
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if got.Gateway != tt.wantGateway || got.Phone != tt.wantPhone || got.AuthUser != tt.wantUser {
				t.Errorf("got gateway=%q phone=%q user=%q", got.Gateway, got.Phone, got.AuthUser)
			}
		})
	}
}

func TestResolveMissingGateway(t *testing.T) {
	env := MapEnv(map[string]string{EnvUsername: "u", EnvPassword: "p"})
	_, err := Resolve("sip:100", Overrides{}, env)
	var fe *FieldError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FieldError, got %v", err)
	}
	if fe.Field != FieldGateway {
		t.Errorf("expected field %q, got %q", FieldGateway, fe.Field)
	}
	if !errors.Is(err, ErrMissingField) {
		t.Error("FieldError should wrap ErrMissingField")
	}
}

func TestResolveNamesEachMissingField(t *testing.T) {
	tests := []struct {
		name  string
		sipTo string
		env   Env
		field string
	}{
		{"phone", "sip:@gw.example", fullEnv(), FieldPhone},
		{"tel scheme", "tel:+1999@gw.test", fullEnv(), FieldPhone},
		{"sips scheme", "sips:1@gw.example", fullEnv(), FieldPhone},
		{"user", "sip:1@gw.example", MapEnv(map[string]string{EnvPassword: "p"}), FieldAuthUser},
		{"password", "sip:1@gw.example", MapEnv(map[string]string{EnvUsername: "u"}), FieldAuthPassword},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(tt.sipTo, Overrides{}, tt.env)
			var fe *FieldError
			if !errors.As(err, &fe) || fe.Field != tt.field {
				t.Fatalf("expected missing %s, got %v", tt.field, err)
			}
		})
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		in         string
		wantPhone  string
		wantDomain string
		wantErr    bool
	}{
		{in: "sip:100@gw.example", wantPhone: "100", wantDomain: "gw.example"},
		{in: " SIP:+1999@gw.example ", wantPhone: "+1999", wantDomain: "gw.example"},
		{in: "100@gw.example", wantPhone: "100", wantDomain: "gw.example"},
		{in: "+1999@gw.example", wantPhone: "+1999", wantDomain: "gw.example"},
		{in: "alice@gw.example:5070", wantPhone: "alice", wantDomain: "gw.example:5070"},
		{in: "sip:100", wantPhone: "100"},
		{in: "tel:+1999@gw.test", wantErr: true},
		{in: "http://gw.example", wantErr: true},
	}
	for _, tt := range tests {
		phone, domain, err := Parse(tt.in)
		if tt.wantErr {
			var fe *FieldError
			if !errors.As(err, &fe) || fe.Field != FieldPhone {
				t.Errorf("%q: expected phone field error, got %v", tt.in, err)
			}
			continue
		}
		if err != nil || phone != tt.wantPhone || domain != tt.wantDomain {
			t.Errorf("%q: got phone=%q domain=%q err=%v", tt.in, phone, domain, err)
		}
	}
}

func TestTargetURIs(t *testing.T) {
	tg, err := Resolve("sip:15551234@gw.example", Overrides{AuthUser: "agent@corp.example", AuthPassword: "x"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if tg.URI() != "sip:15551234@gw.example" {
		t.Errorf("unexpected uri %q", tg.URI())
	}
	if tg.AccountID() != "sip:agent@gw.example" {
		t.Errorf("unexpected account id %q", tg.AccountID())
	}
	if tg.RegistrarURI() != "sip:gw.example" {
		t.Errorf("unexpected registrar %q", tg.RegistrarURI())
	}
	if tg.LocalPort != DefaultLocalPort {
		t.Errorf("expected default local port, got %d", tg.LocalPort)
	}
}

func TestChainOrder(t *testing.T) {
	env := Chain(nil, MapEnv(map[string]string{"K": ""}), MapEnv(map[string]string{"K": "second"}))
	if got := env("K"); got != "second" {
		t.Errorf("expected second, got %q", got)
	}
}
