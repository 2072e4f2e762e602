package secret

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec(bytes.Repeat([]byte{0x42}, KeySize))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return c
}

func TestRoundTrip(t *testing.T) {
	c := newTestCodec(t)

	inputs := []string{
		"",
		"a",
		"ya29.a0AfH6SMBx-access-token",
		strings.Repeat("x", 4096),
		"unicode: é中\U0001F511",
	}
	for _, in := range inputs {
		s, err := c.Encrypt(in)
		if err != nil {
			t.Fatalf("Encrypt(%d bytes): %v", len(in), err)
		}
		got, err := c.Decrypt(s)
		if err != nil {
			t.Fatalf("Decrypt(%d bytes): %v", len(in), err)
		}
		if got != in {
			t.Errorf("round trip mismatch for %d-byte input", len(in))
		}
	}
}

func TestEncryptUsesFreshIV(t *testing.T) {
	c := newTestCodec(t)

	a, _ := c.Encrypt("same plaintext")
	b, _ := c.Encrypt("same plaintext")
	if bytes.Equal(a.IV, b.IV) {
		t.Error("two encryptions reused the same IV")
	}
	if bytes.Equal(a.Ciphertext, b.Ciphertext) {
		t.Error("two encryptions produced identical ciphertext")
	}
}

func TestDecryptDetectsBitFlips(t *testing.T) {
	c := newTestCodec(t)
	s, err := c.Encrypt("refresh-token-value")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	flip := func(b []byte, i int) []byte {
		out := append([]byte(nil), b...)
		out[i] ^= 0x01
		return out
	}

	cases := map[string]Sealed{
		"ciphertext first": {Ciphertext: flip(s.Ciphertext, 0), IV: s.IV, Tag: s.Tag},
		"ciphertext last":  {Ciphertext: flip(s.Ciphertext, len(s.Ciphertext)-1), IV: s.IV, Tag: s.Tag},
		"tag":              {Ciphertext: s.Ciphertext, IV: s.IV, Tag: flip(s.Tag, 5)},
		"iv":               {Ciphertext: s.Ciphertext, IV: flip(s.IV, 0), Tag: s.Tag},
		"short tag":        {Ciphertext: s.Ciphertext, IV: s.IV, Tag: s.Tag[:8]},
	}
	for name, tampered := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := c.Decrypt(tampered)
			if !errors.Is(err, ErrTamperedCiphertext) {
				t.Fatalf("err = %v, want ErrTamperedCiphertext", err)
			}
			if got != "" {
				t.Errorf("returned plaintext %q alongside error", got)
			}
		})
	}
}

func TestDecryptWrongKey(t *testing.T) {
	c := newTestCodec(t)
	other, _ := NewCodec(bytes.Repeat([]byte{0x07}, KeySize))

	s, _ := c.Encrypt("secret")
	if _, err := other.Decrypt(s); !errors.Is(err, ErrTamperedCiphertext) {
		t.Errorf("err = %v, want ErrTamperedCiphertext", err)
	}
}

func TestSealOpenEncoding(t *testing.T) {
	c := newTestCodec(t)

	enc, err := c.Seal("access-token")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if !strings.HasPrefix(enc, "v1.") {
		t.Errorf("encoding %q missing version prefix", enc)
	}
	if strings.Contains(enc, "access-token") {
		t.Error("encoding leaks plaintext")
	}
	got, err := c.Open(enc)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got != "access-token" {
		t.Errorf("Open = %q, want %q", got, "access-token")
	}

	// Empty plaintext still produces four parts.
	empty, _ := c.Seal("")
	if got, err := c.Open(empty); err != nil || got != "" {
		t.Errorf("Open(empty) = %q, %v", got, err)
	}
}

func TestParseSealedRejectsMalformed(t *testing.T) {
	bad := []string{
		"",
		"v1",
		"v2.aaaa.bbbb.cccc",
		"v1.!!!.bbbb.cccc",
		"v1.AAAAAAAAAAAAAAAA.AAAA.AAAA",
		"v1.a.b.c.d",
	}
	for _, in := range bad {
		if _, err := ParseSealed(in); !errors.Is(err, ErrTamperedCiphertext) {
			t.Errorf("ParseSealed(%q) err = %v, want ErrTamperedCiphertext", in, err)
		}
	}
}

func TestNewCodecKeyLength(t *testing.T) {
	for _, n := range []int{0, 16, 31, 33, 64} {
		if _, err := NewCodec(make([]byte, n)); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("NewCodec(%d bytes) err = %v, want ErrInvalidKey", n, err)
		}
	}
}

func TestParseKey(t *testing.T) {
	raw := bytes.Repeat([]byte{0xab}, KeySize)

	forms := map[string]string{
		"std base64": base64.StdEncoding.EncodeToString(raw),
		"url base64": base64.RawURLEncoding.EncodeToString(raw),
		"hex":        hex.EncodeToString(raw),
	}
	for name, in := range forms {
		got, err := ParseKey(in)
		if err != nil {
			t.Errorf("%s: ParseKey: %v", name, err)
			continue
		}
		if !bytes.Equal(got, raw) {
			t.Errorf("%s: decoded key mismatch", name)
		}
	}

	if _, err := ParseKey(base64.StdEncoding.EncodeToString(raw[:16])); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("short key err = %v, want ErrInvalidKey", err)
	}
	if _, err := ParseKey("   "); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("blank key err = %v, want ErrInvalidKey", err)
	}
}

func TestGenerateKey(t *testing.T) {
	k, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	b, err := ParseKey(k)
	if err != nil {
		t.Fatalf("ParseKey(generated): %v", err)
	}
	if _, err := NewCodec(b); err != nil {
		t.Errorf("NewCodec(generated): %v", err)
	}
}

func TestHashAndCompareKey(t *testing.T) {
	const key = "tg_live_0123456789abcdef0123456789abcdef"

	h, err := HashKey(key, 4)
	if err != nil {
		t.Fatalf("HashKey: %v", err)
	}
	if h == key || strings.Contains(h, key) {
		t.Fatal("hash contains plaintext")
	}
	if !CompareKey(h, key) {
		t.Error("CompareKey rejected the original key")
	}
	if CompareKey(h, key[:len(key)-1]+"0") {
		t.Error("CompareKey accepted a mutated key")
	}

	h2, _ := HashKey(key, 4)
	if h == h2 {
		t.Error("hashes are not salted")
	}
}
