package cryptoprimitives

import (
	"bytes"
	"testing"
)

func TestRSAEncryptDecryptRoundTrip(t *testing.T) {
	priv, err := GenerateRSAKeypair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	msg := []byte("p-384 public point placeholder")
	ct, err := EncryptRSA(&priv.PublicKey, msg)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	pt, err := DecryptRSA(priv, ct)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(pt, msg) {
		t.Fatalf("round trip mismatch: got %q want %q", pt, msg)
	}
}

func TestRSADecrypt_BadCiphertext(t *testing.T) {
	priv, _ := GenerateRSAKeypair()
	if _, err := DecryptRSA(priv, []byte("garbage")); err != ErrBadCipher {
		t.Fatalf("expected ErrBadCipher, got %v", err)
	}
}

func TestMarshalParseRSAPublicKeyRoundTrip(t *testing.T) {
	priv, _ := GenerateRSAKeypair()
	der, err := MarshalRSAPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	pub, err := ParseRSAPublicKey(der)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if pub.N.Cmp(priv.PublicKey.N) != 0 {
		t.Fatalf("modulus mismatch after round trip")
	}
}

func TestOuterAESKeyAgreement(t *testing.T) {
	clientPriv, err := GenerateECDHP384()
	if err != nil {
		t.Fatalf("client keygen: %v", err)
	}
	serverPriv, err := GenerateECDHP384()
	if err != nil {
		t.Fatalf("server keygen: %v", err)
	}
	clientKey, err := DeriveOuterAESKey(clientPriv, serverPriv.PublicKey())
	if err != nil {
		t.Fatalf("client derive: %v", err)
	}
	serverKey, err := DeriveOuterAESKey(serverPriv, clientPriv.PublicKey())
	if err != nil {
		t.Fatalf("server derive: %v", err)
	}
	if clientKey != serverKey {
		t.Fatalf("expected matching aes_key, client=%x server=%x", clientKey, serverKey)
	}
}

func TestOuterAESKeyAgreement_UniqueAcrossSessions(t *testing.T) {
	const sessions = 8
	seen := make(map[[32]byte]bool, sessions)
	for i := 0; i < sessions; i++ {
		clientPriv, err := GenerateECDHP384()
		if err != nil {
			t.Fatalf("client keygen: %v", err)
		}
		serverPriv, err := GenerateECDHP384()
		if err != nil {
			t.Fatalf("server keygen: %v", err)
		}
		key, err := DeriveOuterAESKey(clientPriv, serverPriv.PublicKey())
		if err != nil {
			t.Fatalf("derive: %v", err)
		}
		if seen[key] {
			t.Fatalf("aes_key collided across independent sessions: %x", key)
		}
		seen[key] = true
	}
	if len(seen) != sessions {
		t.Fatalf("expected %d distinct aes_key values, got %d", sessions, len(seen))
	}
}

func TestAESCBCRoundTrip(t *testing.T) {
	var key [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	plaintext := []byte("join envelope payload")
	ct, err := EncryptAESCBC(key, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	pt, err := DecryptAESCBC(key, ct)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", pt, plaintext)
	}
}

func TestAESCBCDecrypt_TamperedCiphertextFails(t *testing.T) {
	var key [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	ct, _ := EncryptAESCBC(key, []byte("hello"))
	ct[len(ct)-1] ^= 0xFF
	if _, err := DecryptAESCBC(key, ct); err == nil {
		t.Fatalf("expected decryption failure on tampered ciphertext")
	}
}

func TestDeriveChaChaKey_PasswordSeparation(t *testing.T) {
	alicePriv, _ := GenerateX25519()
	bobPriv, _ := GenerateX25519()

	aliceKey, err := DeriveChaChaKey(alicePriv, bobPriv.PublicKey(), "shared-pw")
	if err != nil {
		t.Fatalf("alice derive: %v", err)
	}
	bobKey, err := DeriveChaChaKey(bobPriv, alicePriv.PublicKey(), "shared-pw")
	if err != nil {
		t.Fatalf("bob derive: %v", err)
	}
	if aliceKey != bobKey {
		t.Fatalf("expected matching chacha_key with same password")
	}

	carolKey, err := DeriveChaChaKey(bobPriv, alicePriv.PublicKey(), "different-pw")
	if err != nil {
		t.Fatalf("carol derive: %v", err)
	}
	if carolKey == aliceKey {
		t.Fatalf("expected different chacha_key for different password")
	}
}

func TestChaCha20RoundTrip(t *testing.T) {
	var key [32]byte
	copy(key[:], []byte("abcdefghijklmnopqrstuvwxyz012345"))
	plaintext := []byte("hi")
	ct, err := EncryptChaCha20(key, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	pt, err := DecryptChaCha20(key, ct)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", pt, plaintext)
	}
}

func TestChaCha20_WrongKeyYieldsGarbage(t *testing.T) {
	var key [32]byte
	copy(key[:], []byte("abcdefghijklmnopqrstuvwxyz012345"))
	var wrongKey [32]byte
	copy(wrongKey[:], []byte("zyxwvutsrqponmlkjihgfedcba543210"))

	plaintext := []byte("hello world, this is a chat message")
	ct, _ := EncryptChaCha20(key, plaintext)
	pt, err := DecryptChaCha20(wrongKey, ct)
	if err != nil {
		t.Fatalf("decrypt should not itself error: %v", err)
	}
	if bytes.Equal(pt, plaintext) {
		t.Fatalf("expected garbage output under wrong key")
	}
}
