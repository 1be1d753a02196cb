package metadata

import (
	"encoding/base64"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"PoF-Vault/internal/ledger"
)

func sampleRecord() *ledger.Record {
	return &ledger.Record{
		ID:       7,
		Mode:     ledger.ModeAttested,
		Holder:   common.HexToAddress("0x00000000000000000000000000000000000000b1"),
		Asset:    common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		Amount:   big.NewInt(1500),
		IssuedAt: 1700000000,
		Signer:   common.HexToAddress("0x00000000000000000000000000000000000000c1"),
		Compliance: &ledger.Compliance{
			PackReference: ledger.Some("bafy<pack>"),
		},
	}
}

func attr(doc Document, name string) (string, bool) {
	for _, a := range doc.Attributes {
		if a.TraitType == name {
			return a.Value, true
		}
	}
	return "", false
}

func TestRenderDocument(t *testing.T) {
	doc, err := Render(sampleRecord(), Status{Valid: true, Reason: "OK"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if doc.Name != "Proof of Funds #7" {
		t.Fatalf("unexpected name %q", doc.Name)
	}
	if v, _ := attr(doc, "Expiry"); v != "none" {
		t.Fatalf("expected no expiry, got %q", v)
	}
	if v, _ := attr(doc, "Issued At"); v != "2023-11-14T22:13:20Z" {
		t.Fatalf("unexpected issue time %q", v)
	}
	if _, ok := attr(doc, "Signer"); !ok {
		t.Fatalf("attested record should list its signer")
	}
	if v, _ := attr(doc, "Compliance Pack"); v != "bafy<pack>" {
		t.Fatalf("unexpected pack reference %q", v)
	}

	const prefix = "data:image/svg+xml;base64,"
	if !strings.HasPrefix(doc.Image, prefix) {
		t.Fatalf("image is not an svg data uri: %q", doc.Image)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(doc.Image, prefix))
	if err != nil {
		t.Fatalf("decode image: %v", err)
	}
	svg := string(raw)
	if !strings.Contains(svg, "PoF #7") || !strings.Contains(svg, "#1f8a4c") {
		t.Fatalf("unexpected svg %s", svg)
	}
}

func TestRenderIsDeterministic(t *testing.T) {
	record := sampleRecord()
	record.Revoked = true
	a, _ := Render(record, Status{Reason: "REVOKED"})
	b, _ := Render(record, Status{Reason: "REVOKED"})
	if a.Image != b.Image || len(a.Attributes) != len(b.Attributes) {
		t.Fatalf("render must be a pure function of its input")
	}
	if v, _ := attr(a, "Revoked"); v != "true" {
		t.Fatalf("expected revoked trait")
	}
	raw, _ := base64.StdEncoding.DecodeString(strings.TrimPrefix(a.Image, "data:image/svg+xml;base64,"))
	if !strings.Contains(string(raw), "#b3261e") {
		t.Fatalf("invalid records should use the warning accent")
	}
}

func TestRenderNilRecord(t *testing.T) {
	if _, err := Render(nil, Status{}); err == nil {
		t.Fatalf("expected error for nil record")
	}
}
