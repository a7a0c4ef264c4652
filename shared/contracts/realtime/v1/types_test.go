package v1

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	cases := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{name: "ok", env: Envelope{V: Version, Type: TypeRoomJoin, TS: now}},
		{name: "missing version", env: Envelope{Type: TypeRoomJoin}, wantErr: true},
		{name: "wrong version", env: Envelope{V: "v0", Type: TypeRoomJoin}, wantErr: true},
		{name: "missing type", env: Envelope{V: Version}, wantErr: true},
		{name: "unknown type", env: Envelope{V: Version, Type: "conversation_join"}, wantErr: true},
		{name: "client event", env: Envelope{V: Version, Type: TypeClientEvent}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.env.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate()=%v wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

func TestEnvelopeDecode(t *testing.T) {
	t.Parallel()

	raw, _ := json.Marshal(RoomJoinPayload{Room: "R1"})
	env := Envelope{V: Version, Type: TypeRoomJoin, Payload: raw}

	var p RoomJoinPayload
	if err := env.Decode(&p); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.Room != "R1" {
		t.Fatalf("room=%q want R1", p.Room)
	}

	if err := (Envelope{V: Version, Type: TypeRoomJoin}).Decode(&p); err == nil {
		t.Fatalf("expected error for empty payload")
	}
}

func TestBatchEmpty(t *testing.T) {
	t.Parallel()

	if !(Batch{}).Empty() {
		t.Fatalf("zero batch must be empty")
	}
	if (Batch{Removed: []string{"a"}}).Empty() {
		t.Fatalf("batch with removal must not be empty")
	}
}

func TestValidAction(t *testing.T) {
	t.Parallel()

	for _, a := range []string{ActionPin, ActionUnpin, ActionRecall, ActionDelete} {
		if !ValidAction(a) {
			t.Fatalf("ValidAction(%q)=false", a)
		}
	}
	if ValidAction("edit") {
		t.Fatalf("ValidAction(edit)=true")
	}
}
