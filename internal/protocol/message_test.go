package protocol

import (
	"encoding/json"
	"testing"
)

func testConfig() Config {
	return Config{
		Type:    MsgChat,
		From:    EntityRef{ID: "NPC_vince", Name: "Vince", Kind: KindNPC},
		To:      EntityRef{ID: "P1", Kind: KindSelf},
		Content: Content{Text: "got a job for you"},
		NowMs:   1_000_000,
	}
}

func TestNew_RequiresSenderAndContent(t *testing.T) {
	cfg := testConfig()
	cfg.From = EntityRef{}
	if _, res := New(cfg); res.OK || res.Code != ErrValidation {
		t.Fatalf("expected sender validation failure, got %+v", res)
	}
	cfg = testConfig()
	cfg.Content = Content{}
	if _, res := New(cfg); res.OK || res.Code != ErrValidation {
		t.Fatalf("expected content validation failure, got %+v", res)
	}
	if _, res := New(testConfig()); !res.OK {
		t.Fatalf("expected valid config to pass, got %+v", res)
	}
}

func TestNew_RejectsUnknownType(t *testing.T) {
	cfg := testConfig()
	cfg.Type = "carrier_pigeon"
	if _, res := New(cfg); res.OK || res.Code != ErrValidation {
		t.Fatalf("expected unknown type rejection, got %+v", res)
	}
}

func TestEncodeDecode_RoundTripValidates(t *testing.T) {
	m, res := New(testConfig())
	if !res.OK {
		t.Fatalf("new: %+v", res)
	}
	b, err := Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	back, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if vr := Validate(back); !vr.OK {
		t.Fatalf("round-tripped message failed validation: %+v", vr)
	}
	if back.ID != m.ID || back.Content.Text != m.Content.Text {
		t.Fatalf("round trip mutated message: %+v vs %+v", back, m)
	}
}

func TestStatus_MonotonicNeverRegresses(t *testing.T) {
	m, _ := New(testConfig())
	if m.Status != StatusPending {
		t.Fatalf("new message should be pending, got %s", m.Status)
	}
	m = MarkDelivered(m)
	if m.Status != StatusDelivered {
		t.Fatalf("expected delivered, got %s", m.Status)
	}
	m = MarkRead(m)
	m = MarkRead(m)
	if m.Status != StatusRead {
		t.Fatalf("double read should stay read, got %s", m.Status)
	}
	m = MarkDelivered(m)
	if m.Status != StatusRead {
		t.Fatalf("delivered must not regress read, got %s", m.Status)
	}
}

func TestIsExpiredAndRequiresAction(t *testing.T) {
	cfg := testConfig()
	cfg.ExpiryMs = 2_000_000
	cfg.Actions = []MessageAction{{Key: "accept"}, {Key: "decline"}}
	m, _ := New(cfg)
	if IsExpired(m, 1_999_999) {
		t.Fatalf("not expired yet")
	}
	if !IsExpired(m, 2_000_000) {
		t.Fatalf("expired at boundary")
	}
	if !RequiresAction(m) {
		t.Fatalf("actions present, should require action")
	}
}

func TestNew_CopiesMutableFields(t *testing.T) {
	cfg := testConfig()
	cfg.Content.Data = map[string]any{"amount": 500}
	cfg.Meta = map[string]string{"source": "job_board"}
	m, _ := New(cfg)
	cfg.Content.Data["amount"] = 9999
	cfg.Meta["source"] = "tampered"
	if m.Content.Data["amount"] != 500 || m.Meta["source"] != "job_board" {
		t.Fatalf("message shares backing maps with config")
	}
}

func TestEnvelopeRouting(t *testing.T) {
	env, err := NewEnvelope(EnvAck, AckPayload{MessageID: "MSG000001", Accepted: true}, 42)
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	base, err := DecodeEnvelope(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if base.Type != EnvAck {
		t.Fatalf("expected ack type, got %s", base.Type)
	}
	var ack AckPayload
	if err := json.Unmarshal(base.Payload, &ack); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if ack.MessageID != "MSG000001" || !ack.Accepted {
		t.Fatalf("bad ack payload: %+v", ack)
	}
}

func TestIsKnownCode(t *testing.T) {
	for _, c := range []string{ErrValidation, ErrNotFound, ErrState, ErrExpired, ErrNoResource, ErrConn, ErrRateLimit, ErrUnparseable, ErrInternal, ""} {
		if !IsKnownCode(c) {
			t.Fatalf("code %q should be known", c)
		}
	}
	if IsKnownCode("E_MYSTERY") {
		t.Fatalf("unknown code accepted")
	}
}
