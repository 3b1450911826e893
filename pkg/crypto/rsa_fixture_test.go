package crypto

import (
	stdcrypto "crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"math/big"
	"testing"
)

// rsaFixturePub/rsaFixturePriv are minimal (n, e)/(d) views used only to
// hand this package's own RSA2048PSSVerify/RSA2048OAEPDecrypt their raw
// modulus/exponent arguments. nxcore never depends on crypto/rsa itself;
// tests use it only to generate independent reference key pairs and
// signatures/ciphertexts to verify our implementation against.
type rsaFixturePub struct {
	n *big.Int
	e *big.Int
}

type rsaFixturePriv struct {
	d   *big.Int
	key *rsa.PrivateKey
}

func testRSAKeyPair(t *testing.T) (rsaFixturePriv, rsaFixturePub) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	return rsaFixturePriv{d: key.D, key: key}, rsaFixturePub{n: key.N, e: big.NewInt(int64(key.E))}
}

func signPSS(t *testing.T, priv rsaFixturePriv, message []byte) []byte {
	t.Helper()
	hashed := sha256.Sum256(message)
	sig, err := rsa.SignPSS(rand.Reader, priv.key, stdcrypto.SHA256, hashed[:], &rsa.PSSOptions{
		SaltLength: sha256.Size,
	})
	if err != nil {
		t.Fatalf("rsa.SignPSS: %v", err)
	}
	return sig
}

func oaepEncrypt(t *testing.T, pub rsaFixturePub, plaintext []byte) []byte {
	t.Helper()
	pubKey := &rsa.PublicKey{N: pub.n, E: int(pub.e.Int64())}
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pubKey, plaintext, nil)
	if err != nil {
		t.Fatalf("rsa.EncryptOAEP: %v", err)
	}
	return ct
}
