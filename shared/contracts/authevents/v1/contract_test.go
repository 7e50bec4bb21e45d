package v1

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	ok := Envelope{V: Version, Type: TypeHelloAck, TS: time.Now()}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid envelope rejected: %v", err)
	}

	for name, e := range map[string]Envelope{
		"missing version": {Type: TypeHello},
		"wrong version":   {V: "v2", Type: TypeHello},
		"missing type":    {V: Version},
		"unknown type":    {V: Version, Type: "message_send"},
	} {
		if err := e.Validate(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestEnvelopeRevocation(t *testing.T) {
	t.Parallel()

	one, _ := json.Marshal(SessionRevokedPayload{UserID: "u1", SessionID: "s1", Reason: "logout"})
	all, _ := json.Marshal(SessionsRevokedAllPayload{UserID: "u1", Count: 2})

	cases := []struct {
		env  Envelope
		sid  string
		want bool
	}{
		{Envelope{V: Version, Type: TypeSessionRevoked, Payload: one}, "s1", true},
		{Envelope{V: Version, Type: TypeSessionRevoked, Payload: one}, "s2", false},
		{Envelope{V: Version, Type: TypeSessionsRevokedAll, Payload: all}, "s2", true},
		{Envelope{V: Version, Type: TypeHelloAck}, "s1", false},
		{Envelope{V: Version, Type: TypeSessionRevoked, Payload: json.RawMessage(`{`)}, "s1", false},
	}
	for i, tc := range cases {
		if got := tc.env.Revocation(tc.sid); got != tc.want {
			t.Fatalf("case %d: got %v want %v", i, got, tc.want)
		}
	}
}
