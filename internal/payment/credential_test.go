package payment

import (
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func encodeCredential(t *testing.T, payload map[string]any) string {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"x402Version": 1,
		"scheme":      "exact",
		"network":     "base",
		"payload":     payload,
	})
	if err != nil {
		t.Fatalf("marshal credential: %v", err)
	}
	return base64.StdEncoding.EncodeToString(data)
}

func decodeCredential(t *testing.T, header string) map[string]any {
	t.Helper()
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		t.Fatalf("decode credential: %v", err)
	}
	var credential map[string]any
	if err := json.Unmarshal(data, &credential); err != nil {
		t.Fatalf("unmarshal credential: %v", err)
	}
	return credential
}

func TestRewriteHeaderRewritesOnlySignature(t *testing.T) {
	sig := "0x" + strings.Repeat("ab", 64) + "00"
	header := encodeCredential(t, map[string]any{
		"signature": sig,
		"authorization": map[string]any{
			"from":  "0xfrom",
			"to":    "0xto",
			"value": "1000000",
		},
	})

	rewritten, changed := RewriteHeader(header, func(s string) string {
		return NormalizeSignature(s, 1)
	})
	if !changed {
		t.Fatal("expected header to change")
	}

	credential := decodeCredential(t, rewritten)
	if credential["scheme"] != "exact" || credential["network"] != "base" {
		t.Fatalf("unrelated fields must survive rewrite: %+v", credential)
	}
	payload := credential["payload"].(map[string]any)
	gotSig := payload["signature"].(string)
	if !strings.HasSuffix(gotSig, "1b") {
		t.Fatalf("signature not normalized: %s", gotSig[len(gotSig)-4:])
	}
	authz := payload["authorization"].(map[string]any)
	if authz["value"] != "1000000" {
		t.Fatalf("authorization payload must survive rewrite: %+v", authz)
	}
}

func TestRewriteHeaderMalformedPassThrough(t *testing.T) {
	inputs := []string{
		"",
		"not-base64!!!",
		base64.StdEncoding.EncodeToString([]byte("plain text")),
		base64.StdEncoding.EncodeToString([]byte(`{"payload":"no object"}`)),
		base64.StdEncoding.EncodeToString([]byte(`{"payload":{"no":"signature"}}`)),
	}
	for _, input := range inputs {
		got, changed := RewriteHeader(input, func(s string) string { return NormalizeSignature(s, 1) })
		if changed || got != input {
			t.Fatalf("malformed header must pass through: %q", input)
		}
	}
}

func TestRewriteHeaderNoChangeForLegacyV(t *testing.T) {
	header := encodeCredential(t, map[string]any{
		"signature": "0x" + strings.Repeat("cd", 64) + "1b",
	})
	got, changed := RewriteHeader(header, func(s string) string { return NormalizeSignature(s, 1) })
	if changed || got != header {
		t.Fatal("already-legacy signature must leave the header untouched")
	}
}

type staticSigner struct {
	header string
}

func (s staticSigner) SignPaymentHeader(_ *http.Request, _ *big.Int) (string, error) {
	return s.header, nil
}

func TestTransportNormalizesOutboundHeader(t *testing.T) {
	var received string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received = r.Header.Get(DefaultHeader)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	header := encodeCredential(t, map[string]any{
		"signature": "0x" + strings.Repeat("ef", 64) + "01",
	})

	client := &http.Client{Transport: NewTransport(nil, staticSigner{header: header}, nil, NewNormalizer(true, 1))}
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()

	if received == "" {
		t.Fatal("payment header missing on outbound request")
	}
	payload := decodeCredential(t, received)["payload"].(map[string]any)
	sig := payload["signature"].(string)
	if !strings.HasSuffix(sig, "1c") {
		t.Fatalf("outbound signature not normalized: %s", sig[len(sig)-4:])
	}
}
