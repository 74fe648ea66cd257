package sealer

import (
	"bytes"
	"testing"
)

func TestSealOpen(t *testing.T) {
	alice, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	bob, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	msg := []byte("the envelope body")
	ct, err := New(alice).Seal(msg, bob.Public)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(ct, msg) {
		t.Fatal("ciphertext contains plaintext")
	}

	plain, err := New(bob).Open(ct, alice.Public)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(plain, msg) {
		t.Errorf("got %q, want %q", plain, msg)
	}
}

func TestOpenWrongKey(t *testing.T) {
	alice, _ := GenerateKeyPair()
	bob, _ := GenerateKeyPair()
	eve, _ := GenerateKeyPair()

	ct, err := New(alice).Seal([]byte("secret"), bob.Public)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New(eve).Open(ct, alice.Public); err == nil {
		t.Error("expected open to fail with wrong key")
	}
}

func TestFingerprintStable(t *testing.T) {
	kp, _ := GenerateKeyPair()
	f1 := Fingerprint(kp.Public[:])
	f2 := Fingerprint(kp.Public[:])
	if f1 != f2 {
		t.Errorf("fingerprint not stable: %s vs %s", f1, f2)
	}
	if len(f1) != 32 {
		t.Errorf("fingerprint length: got %d", len(f1))
	}

	other, _ := GenerateKeyPair()
	if Fingerprint(other.Public[:]) == f1 {
		t.Error("different keys produced the same fingerprint")
	}
}
