package token

import (
	"strings"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	codec, err := NewCodec("test-secret")
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}

	for _, plaintext := range []string{
		"",
		"T",
		"vk1.a.very-long-access-token-0123456789",
		"токен с юникодом",
	} {
		encoded, err := codec.Encode(plaintext)
		if err != nil {
			t.Fatalf("encode %q: %v", plaintext, err)
		}
		decoded, ok := codec.Decode(encoded)
		if !ok {
			t.Fatalf("decode %q: not ok", plaintext)
		}
		if decoded != plaintext {
			t.Fatalf("round trip mismatch: got %q want %q", decoded, plaintext)
		}
	}
}

func TestEncodeProducesFreshNonce(t *testing.T) {
	codec, err := NewCodec("test-secret")
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	first, err := codec.Encode("T")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	second, err := codec.Encode("T")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if first == second {
		t.Fatal("expected distinct blobs for the same plaintext")
	}
}

func TestDecodeMalformedInput(t *testing.T) {
	codec, err := NewCodec("test-secret")
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}

	for _, blob := range []string{
		"",
		"not base64 at all!!!",
		"QQ==", // valid base64, shorter than a nonce
		strings.Repeat("A", 64),
	} {
		if decoded, ok := codec.Decode(blob); ok {
			t.Fatalf("decode %q: expected not ok, got %q", blob, decoded)
		}
	}
}

func TestDecodeForeignKey(t *testing.T) {
	codec, err := NewCodec("secret-one")
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	other, err := NewCodec("secret-two")
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}

	encoded, err := codec.Encode("T")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, ok := other.Decode(encoded); ok {
		t.Fatal("expected decode under a different secret to fail")
	}
}

func TestNewCodecEmptySecret(t *testing.T) {
	if _, err := NewCodec(""); err == nil {
		t.Fatal("expected error for empty secret")
	}
}
