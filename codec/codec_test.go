package codec

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	e := New("j").With("user_name", "alice").With("channel", "#test")
	frame, err := Encode(e, 0)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(frame, 0)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Action() != "j" || got["user_name"] != "alice" || got["channel"] != "#test" {
		t.Fatalf("unexpected envelope: %#v", got)
	}
}

func TestEncode_MissingActionRejected(t *testing.T) {
	if _, err := Encode(Envelope{"x": "y"}, 0); err != ErrMalformedFrame {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestEncode_OversizeRejected(t *testing.T) {
	e := New("w").With("data", string(make([]byte, 100)))
	if _, err := Encode(e, 10); err != ErrMalformedFrame {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestDecode_BadJSONRejected(t *testing.T) {
	if _, err := Decode([]byte("{not json"), 0); err != ErrMalformedFrame {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestDecode_MissingActionRejected(t *testing.T) {
	if _, err := Decode([]byte(`{"x":"y"}`), 0); err != ErrMalformedFrame {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestDecode_OversizeRejected(t *testing.T) {
	frame := []byte(`{"a":"j","pad":"` + string(make([]byte, 100)) + `"}`)
	if _, err := Decode(frame, 10); err != ErrMalformedFrame {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestRequire_MissingField(t *testing.T) {
	e := New("j")
	if _, err := e.Require("user_name"); err != ErrMalformedFrame {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestRequireBinary_RoundTrip(t *testing.T) {
	e := New("k").With("client_rsa_pub", EncodeBinary([]byte("der-bytes")))
	b, err := e.RequireBinary("client_rsa_pub")
	if err != nil {
		t.Fatalf("require binary: %v", err)
	}
	if string(b) != "der-bytes" {
		t.Fatalf("unexpected bytes: %q", b)
	}
}

func TestRequireBinary_BadBase64(t *testing.T) {
	e := New("k").With("client_rsa_pub", "not base64!!")
	if _, err := e.RequireBinary("client_rsa_pub"); err != ErrMalformedFrame {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}
