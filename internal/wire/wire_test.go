package wire

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestAddressingUnionEncoding(t *testing.T) {
	direct, err := json.Marshal(ToSession("s1"))
	if err != nil {
		t.Fatalf("marshal direct: %v", err)
	}
	if string(direct) != `{"session":"s1"}` {
		t.Fatalf("unexpected direct encoding: %s", direct)
	}

	room, err := json.Marshal(ToRoom("lobby"))
	if err != nil {
		t.Fatalf("marshal room: %v", err)
	}
	if string(room) != `{"room":"lobby"}` {
		t.Fatalf("unexpected room encoding: %s", room)
	}

	bcast, err := json.Marshal(ToBroadcast())
	if err != nil {
		t.Fatalf("marshal broadcast: %v", err)
	}
	if string(bcast) != `{"broadcast":true}` {
		t.Fatalf("unexpected broadcast encoding: %s", bcast)
	}
}

func TestAddressingRejectsAmbiguousTags(t *testing.T) {
	var a Addressing
	if err := json.Unmarshal([]byte(`{"session":"s1","broadcast":true}`), &a); !errors.Is(err, ErrBadAddressing) {
		t.Fatalf("expected ErrBadAddressing for two tags, got %v", err)
	}
	if err := json.Unmarshal([]byte(`{}`), &a); !errors.Is(err, ErrBadAddressing) {
		t.Fatalf("expected ErrBadAddressing for zero tags, got %v", err)
	}
	if _, err := json.Marshal(Addressing{Session: "s1", Room: "r1"}); err == nil {
		t.Fatalf("expected marshal of ambiguous addressing to fail")
	}
}

func TestAddressingMode(t *testing.T) {
	if ToSession("x").Mode() != ModeSession {
		t.Fatalf("expected session mode")
	}
	if ToRoom("x").Mode() != ModeRoom {
		t.Fatalf("expected room mode")
	}
	if ToBroadcast().Mode() != ModeBroadcast {
		t.Fatalf("expected broadcast mode")
	}
}

func TestDecodeRequiresType(t *testing.T) {
	if _, err := Decode([]byte(`{"sendMessage":{"content":"hi"}}`)); err == nil {
		t.Fatalf("expected error for missing type")
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for malformed payload")
	}

	f, err := Decode([]byte(`{"type":"send-message","sendMessage":{"addressing":{"room":"lobby"},"content":"hi"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Type != TypeSendMessage || f.SendMessage == nil || f.SendMessage.Addressing.Room != "lobby" {
		t.Fatalf("unexpected frame: %+v", f)
	}
}
