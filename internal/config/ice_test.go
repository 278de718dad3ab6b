package config

import "testing"

func TestParseICEServersJSON(t *testing.T) {
	t.Parallel()

	raw := `[
	  {"urls": "stun:stun.example.com:3478"},
	  {"urls": ["turn:turn.example.com:3478?transport=udp", " "], "username": " user ", "credential": "pass"}
	]`

	servers, err := ParseICEServersJSON(raw, false)
	if err != nil {
		t.Fatalf("ParseICEServersJSON: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("servers=%d, want 2", len(servers))
	}
	if got := servers[0].URLs; len(got) != 1 || got[0] != "stun:stun.example.com:3478" {
		t.Fatalf("stun urls=%#v", got)
	}
	if got := servers[1].URLs; len(got) != 1 {
		t.Fatalf("turn urls=%#v, want blank entry dropped", got)
	}
	if servers[1].Username != "user" {
		t.Fatalf("username=%q, want %q", servers[1].Username, "user")
	}
	if cred, ok := servers[1].Credential.(string); !ok || cred != "pass" {
		t.Fatalf("credential=%#v, want %q", servers[1].Credential, "pass")
	}
}

func TestParseICEServersJSON_TURNCredentials(t *testing.T) {
	t.Parallel()

	raw := `[{"urls": ["turn:turn.example.com:3478"]}]`
	if _, err := ParseICEServersJSON(raw, false); err == nil {
		t.Fatalf("expected error for TURN without credentials")
	}
	servers, err := ParseICEServersJSON(raw, true)
	if err != nil {
		t.Fatalf("ParseICEServersJSON: %v", err)
	}
	if servers[0].Username != "" || servers[0].Credential != nil {
		t.Fatalf("expected empty TURN credentials, got %#v", servers[0])
	}
}

func TestParseICEServersJSON_RejectsBadScheme(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{
		`[{"urls": ["http://example.com"]}]`,
		`[{"urls": []}]`,
		`{"urls": "stun:x"}`,
	} {
		if _, err := ParseICEServersJSON(raw, false); err == nil {
			t.Fatalf("expected error for %s", raw)
		}
	}
}

func TestParseICEServersFromConvenienceEnv(t *testing.T) {
	t.Parallel()

	servers, err := ParseICEServersFromConvenienceEnv("stun:a:3478, stun:b:3478", "turn:t:3478", "user", "pass", false)
	if err != nil {
		t.Fatalf("ParseICEServersFromConvenienceEnv: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("servers=%d, want 2", len(servers))
	}
	if len(servers[0].URLs) != 2 || servers[0].Credential != nil {
		t.Fatalf("stun server=%#v", servers[0])
	}
	if servers[1].Username != "user" || servers[1].Credential.(string) != "pass" {
		t.Fatalf("turn server=%#v", servers[1])
	}

	if _, err := ParseICEServersFromConvenienceEnv("", "turn:t:3478", "user", "", false); err == nil {
		t.Fatalf("expected error for TURN without credential")
	}
	if _, err := ParseICEServersFromConvenienceEnv("", "turn:t:3478", "", "", true); err != nil {
		t.Fatalf("expected TURN REST mode to allow missing creds, got %v", err)
	}
}
