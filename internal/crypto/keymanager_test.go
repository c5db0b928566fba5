package crypto

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEncryptDecryptCredentials(t *testing.T) {
	creds := map[string]Credential{
		"binance": {Key: "bk", Secret: "bs"},
		"kucoin":  {Key: "kk", Secret: "ks", Passphrase: "kp"},
	}

	blob, err := EncryptCredentials(creds, "hunter2")
	if err != nil {
		t.Fatalf("EncryptCredentials: %v", err)
	}

	got, err := DecryptCredentials(blob, "hunter2")
	if err != nil {
		t.Fatalf("DecryptCredentials: %v", err)
	}
	if got["binance"].Key != "bk" || got["kucoin"].Passphrase != "kp" {
		t.Errorf("round trip lost fields: %#v", got)
	}
}

func TestDecryptWrongPassword(t *testing.T) {
	blob, err := EncryptCredentials(map[string]Credential{"binance": {Key: "k", Secret: "s"}}, "right")
	if err != nil {
		t.Fatalf("EncryptCredentials: %v", err)
	}
	if _, err := DecryptCredentials(blob, "wrong"); err == nil {
		t.Fatal("expected decryption failure with wrong password")
	}
}

func TestEncryptRejectsEmptyInput(t *testing.T) {
	if _, err := EncryptCredentials(map[string]Credential{"b": {}}, ""); err == nil {
		t.Error("expected error for empty password")
	}
	if _, err := EncryptCredentials(nil, "pw"); err == nil {
		t.Error("expected error for empty credential map")
	}
}

func TestLoadCredentials(t *testing.T) {
	t.Run("empty path is not an error", func(t *testing.T) {
		got, err := LoadCredentials("", "pw")
		if err != nil {
			t.Fatalf("LoadCredentials: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("got %d credentials, want 0", len(got))
		}
	})

	t.Run("file round trip", func(t *testing.T) {
		blob, err := EncryptCredentials(map[string]Credential{"kucoin": {Key: "k", Secret: "s"}}, "pw")
		if err != nil {
			t.Fatalf("EncryptCredentials: %v", err)
		}
		path := filepath.Join(t.TempDir(), "keys.enc")
		if err := os.WriteFile(path, blob, 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}

		got, err := LoadCredentials(path, "pw")
		if err != nil {
			t.Fatalf("LoadCredentials: %v", err)
		}
		if got["kucoin"].Secret != "s" {
			t.Errorf("got %#v", got["kucoin"])
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := LoadCredentials(filepath.Join(t.TempDir(), "nope.enc"), "pw"); err == nil {
			t.Error("expected error for missing file")
		}
	})
}

func TestKucoinHeadersAtDeterministic(t *testing.T) {
	auth := &HMACAuth{Key: "key", Secret: "secret", Passphrase: "phrase"}
	a := auth.KucoinHeadersAt("POST", "/api/v1/orders", `{"side":"buy"}`, 1700000000000)
	b := auth.KucoinHeadersAt("POST", "/api/v1/orders", `{"side":"buy"}`, 1700000000000)

	if a["KC-API-SIGN"] != b["KC-API-SIGN"] {
		t.Error("same inputs must produce the same signature")
	}
	if a["KC-API-TIMESTAMP"] != "1700000000000" {
		t.Errorf("timestamp = %s", a["KC-API-TIMESTAMP"])
	}
	if a["KC-API-KEY-VERSION"] != "2" {
		t.Errorf("key version = %s", a["KC-API-KEY-VERSION"])
	}
	if a["KC-API-PASSPHRASE"] == "phrase" {
		t.Error("passphrase must be signed, not sent raw")
	}

	c := auth.KucoinHeadersAt("POST", "/api/v1/orders", `{"side":"sell"}`, 1700000000000)
	if a["KC-API-SIGN"] == c["KC-API-SIGN"] {
		t.Error("different bodies must produce different signatures")
	}
}

func TestQuerySignatureHex(t *testing.T) {
	auth := &HMACAuth{Key: "key", Secret: "secret"}
	sig := auth.QuerySignatureHex("symbol=BTCUSDT&side=BUY&timestamp=1700000000000")
	if len(sig) != 64 {
		t.Errorf("hex HMAC-SHA256 should be 64 chars, got %d", len(sig))
	}
	if sig != auth.QuerySignatureHex("symbol=BTCUSDT&side=BUY&timestamp=1700000000000") {
		t.Error("signature must be deterministic")
	}
}
