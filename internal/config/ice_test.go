package config

import (
	"strings"
	"testing"
)

func TestParseICEServersJSON(t *testing.T) {
	raw := `[
		{"urls": "stun:stun.l.google.com:19302"},
		{"urls": ["turn:turn.example.com:3478", "turns:turn.example.com:5349"],
		 "username": "u", "credential": "c"}
	]`

	servers, err := ParseICEServersJSON(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("servers=%d, want 2", len(servers))
	}
	if len(servers[0].URLs) != 1 || servers[0].URLs[0] != "stun:stun.l.google.com:19302" {
		t.Fatalf("stun server=%+v", servers[0])
	}
	if servers[1].Username != "u" || servers[1].Credential != "c" {
		t.Fatalf("turn server=%+v", servers[1])
	}
}

func TestParseICEServersJSON_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"not json", `nope`, "invalid"},
		{"empty urls", `[{"urls": []}]`, "missing urls"},
		{"bad scheme", `[{"urls": "https://example.com"}]`, "unsupported url scheme"},
		{"turn without username", `[{"urls": "turn:t.example.com", "credential": "c"}]`, "username"},
		{"turn without credential", `[{"urls": "turn:t.example.com", "username": "u"}]`, "credential"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseICEServersJSON(tc.raw); err == nil {
				t.Fatalf("expected error")
			} else if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadICEServers_ConvenienceEnv(t *testing.T) {
	servers, err := loadICEServers(envMap(map[string]string{
		envVarStunURLs:       "stun:stun.example.com:3478, stun:stun2.example.com:3478",
		envVarTurnURLs:       "turn:turn.example.com:3478",
		envVarTurnUsername:   "u",
		envVarTurnCredential: "c",
	}), false)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("servers=%+v, want stun+turn", servers)
	}
	if len(servers[0].URLs) != 2 {
		t.Fatalf("stun urls=%v", servers[0].URLs)
	}
}

func TestLoadICEServers_TurnRequiresCredentials(t *testing.T) {
	_, err := loadICEServers(envMap(map[string]string{
		envVarTurnURLs: "turn:turn.example.com:3478",
	}), false)
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestLoadICEServers_TurnWithoutCredsAllowedForTURNREST(t *testing.T) {
	servers, err := loadICEServers(envMap(map[string]string{
		envVarTurnURLs: "turn:turn.example.com:3478",
	}), true)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(servers) != 1 || servers[0].Username != "" || servers[0].Credential != nil {
		t.Fatalf("servers=%+v, want credential-less turn entry", servers)
	}
}

func TestLoadICEServers_JSONWinsOverConvenience(t *testing.T) {
	servers, err := loadICEServers(envMap(map[string]string{
		envVarICEServersJSON: `[{"urls": "stun:a.example.com"}]`,
		envVarStunURLs:       "stun:b.example.com",
	}), false)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(servers) != 1 || servers[0].URLs[0] != "stun:a.example.com" {
		t.Fatalf("servers=%+v", servers)
	}
}
