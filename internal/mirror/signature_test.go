package mirror

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ProtonMail/gopenpgp/v3/crypto"
)

// newSigningKey generates a throwaway key pair and writes its armored
// public half to dir.
func newSigningKey(t *testing.T, dir string) (*crypto.Key, string) {
	t.Helper()

	key, err := crypto.PGP().KeyGeneration().AddUserId("Rust Mirror Test", "mirror@example.com").New().GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	pub, err := key.ToPublic()
	if err != nil {
		t.Fatal(err)
	}
	armored, err := pub.Armor()
	if err != nil {
		t.Fatal(err)
	}

	p := filepath.Join(dir, "public-key.asc")
	if err := os.WriteFile(p, []byte(armored), 0644); err != nil {
		t.Fatal(err)
	}
	return key, p
}

func signDetached(t *testing.T, key *crypto.Key, data []byte) []byte {
	t.Helper()

	signer, err := crypto.PGP().Sign().SigningKey(key).Detached().New()
	if err != nil {
		t.Fatal(err)
	}
	sig, err := signer.Sign(data, crypto.Armor)
	if err != nil {
		t.Fatal(err)
	}
	return sig
}

func TestVerifyDetachedSignature(t *testing.T) {
	t.Parallel()

	key, keyPath := newSigningKey(t, t.TempDir())
	data := []byte(publishManifest)
	sig := signDetached(t, key, data)

	pub, err := loadVerificationKey(keyPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := verifyDetachedSignature(pub, data, sig); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}

	tampered := append([]byte{}, data...)
	tampered[len(tampered)-2] = 'X'
	if err := verifyDetachedSignature(pub, tampered, sig); err == nil {
		t.Error("signature over different data accepted")
	}

	other, _ := newSigningKey(t, t.TempDir())
	if err := verifyDetachedSignature(pub, data, signDetached(t, other, data)); err == nil {
		t.Error("signature by another key accepted")
	}
}

func TestLoadVerificationKey(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if _, err := loadVerificationKey(filepath.Join(dir, "missing.asc")); err == nil {
		t.Error("missing key should fail")
	}

	bad := filepath.Join(dir, "bad.asc")
	writeTestFile(t, bad, []byte("not a key"))
	if _, err := loadVerificationKey(bad); err == nil {
		t.Error("garbage key should fail")
	}
}
