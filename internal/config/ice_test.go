package config

import (
	"reflect"
	"strings"
	"testing"
)

func TestParseICEServersJSON(t *testing.T) {
	t.Parallel()

	raw := `[
	  {
	    "urls": ["stun:stun.example.com:3478"]
	  },
	  {
	    "urls": ["turn:turn.example.com:3478?transport=udp"],
	    "username": "user",
	    "credential": "pass"
	  }
	]`

	servers, err := ParseICEServersJSON(raw, false)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(servers))
	}
	if got := servers[0].URLs; len(got) != 1 || got[0] != "stun:stun.example.com:3478" {
		t.Fatalf("unexpected stun urls: %#v", got)
	}
	if got := servers[1].Username; got != "user" {
		t.Fatalf("unexpected username: %q", got)
	}
	cred, ok := servers[1].Credential.(string)
	if !ok || cred != "pass" {
		t.Fatalf("unexpected credential: %#v", servers[1].Credential)
	}
}

func TestParseICEServersJSON_SupportsSingleStringURLs(t *testing.T) {
	t.Parallel()

	servers, err := ParseICEServersJSON(`[{"urls": "stun:stun.example.com:3478"}]`, false)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(servers) != 1 || len(servers[0].URLs) != 1 {
		t.Fatalf("unexpected servers: %#v", servers)
	}
}

func TestParseICEServersJSON_TURNCredentials(t *testing.T) {
	t.Parallel()

	raw := `[{"urls": ["turn:turn.example.com:3478"]}]`
	if _, err := ParseICEServersJSON(raw, false); err == nil || !strings.Contains(err.Error(), "username") {
		t.Fatalf("expected missing username error, got %v", err)
	}
	if _, err := ParseICEServersJSON(raw, true); err != nil {
		t.Fatalf("TURN REST should allow credential-less TURN urls: %v", err)
	}
}

func TestParseICEServersJSON_RejectsUnknownScheme(t *testing.T) {
	t.Parallel()

	if _, err := ParseICEServersJSON(`[{"urls": "http://example.com"}]`, false); err == nil {
		t.Fatalf("expected error")
	}
}

func TestICEServers_DefaultToPublicSTUN(t *testing.T) {
	t.Parallel()

	servers, err := parseICEServersFromValues("", "", "", "", "", false)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(servers) != 1 || !reflect.DeepEqual(servers[0].URLs, DefaultSTUNURLs) {
		t.Fatalf("servers=%#v, want default STUN list", servers)
	}

	// The default list is a copy.
	servers[0].URLs[0] = "stun:mutated"
	if DefaultSTUNURLs[0] == "stun:mutated" {
		t.Fatalf("DefaultICEServers shares its backing array")
	}
}

func TestICEServers_ConvenienceValues(t *testing.T) {
	t.Parallel()

	servers, err := parseICEServersFromValues("", "stun:a.example:3478, stun:b.example:3478", "turn:t.example:3478", "u", "p", false)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("servers=%#v, want stun+turn", servers)
	}
	if got := servers[0].URLs; !reflect.DeepEqual(got, []string{"stun:a.example:3478", "stun:b.example:3478"}) {
		t.Fatalf("stun urls=%v", got)
	}

	if _, err := parseICEServersFromValues("", "", "turn:t.example:3478", "u", "", false); err == nil {
		t.Fatalf("expected error for TURN without credential")
	}
}

func TestICEServers_JSONWinsOverConvenience(t *testing.T) {
	t.Parallel()

	servers, err := parseICEServersFromValues(`[{"urls":"stun:json.example:3478"}]`, "stun:env.example:3478", "", "", "", false)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(servers) != 1 || servers[0].URLs[0] != "stun:json.example:3478" {
		t.Fatalf("servers=%#v", servers)
	}
}
