package cryptoutil

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
)

var policyDoc = []byte("defaults: [\"3/second\", \"5/minute\"]\n")

type fakeKMS struct {
	der   []byte
	usage kmstypes.KeyUsageType
	err   error
	calls int
}

func (f *fakeKMS) GetPublicKey(_ context.Context, in *kms.GetPublicKeyInput, _ ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &kms.GetPublicKeyOutput{KeyId: in.KeyId, PublicKey: f.der, KeyUsage: f.usage}, nil
}

func fakeFor(t *testing.T, pub crypto.PublicKey) *fakeKMS {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	return &fakeKMS{der: der, usage: kmstypes.KeyUsageTypeSignVerify}
}

func ecKey(t *testing.T, curve elliptic.Curve) *ecdsa.PrivateKey {
	t.Helper()
	k, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return k
}

func rsaKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return k
}

func TestVerify_ECDSA(t *testing.T) {
	p256 := ecKey(t, elliptic.P256())
	d256 := sha256.Sum256(policyDoc)
	sig256, _ := ecdsa.SignASN1(rand.Reader, p256, d256[:])

	p384 := ecKey(t, elliptic.P384())
	d384 := sha512.Sum384(policyDoc)
	sig384, _ := ecdsa.SignASN1(rand.Reader, p384, d384[:])

	tests := []struct {
		name string
		key  *ecdsa.PrivateKey
		sig  []byte
	}{
		{"P-256", p256, sig256},
		{"P-384", p384, sig384},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewKMSVerifier(fakeFor(t, &tt.key.PublicKey), "alias/gate-policy")
			if err := v.Verify(t.Context(), policyDoc, tt.sig); err != nil {
				t.Fatalf("valid signature: %v", err)
			}
			if err := v.Verify(t.Context(), []byte("defaults: []\n"), tt.sig); err == nil {
				t.Fatal("tampered document verified")
			}
			other := NewKMSVerifier(fakeFor(t, &ecKey(t, tt.key.Curve).PublicKey), "alias/other")
			if err := other.Verify(t.Context(), policyDoc, tt.sig); err == nil {
				t.Fatal("signature verified under the wrong key")
			}
		})
	}
}

func TestVerify_RSA(t *testing.T) {
	key := rsaKey(t)
	digest := sha256.Sum256(policyDoc)
	pss, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], nil)
	if err != nil {
		t.Fatal(err)
	}
	pkcs, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatal(err)
	}

	v := NewKMSVerifier(fakeFor(t, &key.PublicKey), "alias/gate-policy")
	if err := v.Verify(t.Context(), policyDoc, pss); err != nil {
		t.Fatalf("PSS: %v", err)
	}
	if err := v.Verify(t.Context(), policyDoc, pkcs); err == nil {
		t.Fatal("PKCS1v15 accepted without opt-in")
	}

	v.AllowPKCS1v15 = true
	if err := v.Verify(t.Context(), policyDoc, pkcs); err != nil {
		t.Fatalf("PKCS1v15 with opt-in: %v", err)
	}
	if err := v.Verify(t.Context(), []byte("other"), pkcs); err == nil {
		t.Fatal("tampered document verified")
	}
}

func TestVerify_EmptySignature(t *testing.T) {
	f := &fakeKMS{}
	v := NewKMSVerifier(f, "alias/gate-policy")
	if err := v.Verify(t.Context(), policyDoc, nil); err == nil {
		t.Fatal("empty signature accepted")
	}
	if f.calls != 0 {
		t.Fatal("empty signature should fail before calling KMS")
	}
}

func TestPublicKey_CachedAfterFirstFetch(t *testing.T) {
	key := ecKey(t, elliptic.P256())
	f := fakeFor(t, &key.PublicKey)
	v := NewKMSVerifier(f, "alias/gate-policy")

	for range 3 {
		if _, err := v.PublicKey(t.Context()); err != nil {
			t.Fatalf("PublicKey: %v", err)
		}
	}
	if f.calls != 1 {
		t.Fatalf("GetPublicKey calls = %d, want 1", f.calls)
	}
}

func TestPublicKey_FailuresNotCached(t *testing.T) {
	key := ecKey(t, elliptic.P256())
	f := fakeFor(t, &key.PublicKey)
	f.err = errors.New("throttled")
	v := NewKMSVerifier(f, "alias/gate-policy")

	if _, err := v.PublicKey(t.Context()); err == nil {
		t.Fatal("expected fetch error")
	}
	f.err = nil
	if _, err := v.PublicKey(t.Context()); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestPublicKey_RejectsEncryptionKeys(t *testing.T) {
	key := rsaKey(t)
	f := fakeFor(t, &key.PublicKey)
	f.usage = kmstypes.KeyUsageTypeEncryptDecrypt
	if _, err := NewKMSVerifier(f, "alias/wrong").PublicKey(t.Context()); err == nil {
		t.Fatal("encrypt/decrypt key accepted for verification")
	}
}

func TestPublicKey_NilClient(t *testing.T) {
	if _, err := NewKMSVerifier(nil, "alias/gate-policy").PublicKey(t.Context()); err == nil {
		t.Fatal("expected error without a client")
	}
}

func TestDecodeSignature(t *testing.T) {
	raw := []byte{0x30, 0x45, 0x02, 0x20, 0xff, 0x00, 0x81}
	if got := DecodeSignature(raw); string(got) != string(raw) {
		t.Fatalf("raw bytes altered: %x", got)
	}

	b64 := base64.StdEncoding.EncodeToString(raw) + "\n"
	if got := DecodeSignature([]byte(b64)); string(got) != string(raw) {
		t.Fatalf("base64 not decoded: %x", got)
	}

	if got := DecodeSignature([]byte("  \n")); got != nil {
		t.Fatalf("blank signature = %x, want nil", got)
	}
}
