// Package metadata renders a display snapshot of a proof-of-funds record.
// Rendering is a pure function of the record and the verify result.
package metadata

import (
	"encoding/base64"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"PoF-Vault/internal/ledger"
)

// Attribute is one trait in the rendered document.
type Attribute struct {
	TraitType string `json:"trait_type"`
	Value     string `json:"value"`
}

// Document is the display representation of a record.
type Document struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Image       string      `json:"image"`
	Attributes  []Attribute `json:"attributes"`
}

// Status summarises the current verification outcome shown on the card.
type Status struct {
	Valid  bool
	Reason string
}

// Render builds the document for record. status is rendered as-is.
func Render(record *ledger.Record, status Status) (Document, error) {
	if record == nil {
		return Document{}, fmt.Errorf("metadata: record is nil")
	}
	amount := "0"
	if record.Amount != nil {
		amount = record.Amount.String()
	}

	attrs := []Attribute{
		{TraitType: "Mode", Value: string(record.Mode)},
		{TraitType: "Asset", Value: record.Asset.Hex()},
		{TraitType: "Amount", Value: amount},
		{TraitType: "Holder", Value: record.Holder.Hex()},
		{TraitType: "Issued At", Value: formatTime(uint64(record.IssuedAt))},
		{TraitType: "Expiry", Value: expiryLabel(record)},
		{TraitType: "Status", Value: status.Reason},
	}
	if record.Mode == ledger.ModeAttested {
		attrs = append(attrs, Attribute{TraitType: "Signer", Value: record.Signer.Hex()})
	}
	if record.Revoked {
		attrs = append(attrs, Attribute{TraitType: "Revoked", Value: "true"})
	}
	if c := record.Compliance; c != nil {
		if v, ok := c.KYCProvider.Get(); ok {
			attrs = append(attrs, Attribute{TraitType: "KYC Provider", Value: v.Hex()})
		}
		if v, ok := c.SanctionsVersion.Get(); ok {
			attrs = append(attrs, Attribute{TraitType: "Sanctions Version", Value: v.Hex()})
		}
		if v, ok := c.PackReference.Get(); ok {
			attrs = append(attrs, Attribute{TraitType: "Compliance Pack", Value: v})
		}
		if v, ok := c.LicenseHash.Get(); ok {
			attrs = append(attrs, Attribute{TraitType: "License Hash", Value: v.Hex()})
		}
	}

	svg := renderSVG(record, amount, status)
	return Document{
		Name:        fmt.Sprintf("Proof of Funds #%d", record.ID),
		Description: fmt.Sprintf("%s-backed proof of %s units of %s.", strings.ToLower(string(record.Mode)), amount, record.Asset.Hex()),
		Image:       "data:image/svg+xml;base64," + base64.StdEncoding.EncodeToString([]byte(svg)),
		Attributes:  attrs,
	}, nil
}

func expiryLabel(record *ledger.Record) string {
	if !record.HasExpiry() {
		return "none"
	}
	return formatTime(record.Expiry)
}

func formatTime(unix uint64) string {
	if unix > uint64(1<<62) {
		return strconv.FormatUint(unix, 10)
	}
	return time.Unix(int64(unix), 0).UTC().Format(time.RFC3339)
}

func renderSVG(record *ledger.Record, amount string, status Status) string {
	accent := "#1f8a4c"
	if !status.Valid {
		accent = "#b3261e"
	}
	lines := []string{
		fmt.Sprintf("PoF #%d", record.ID),
		string(record.Mode),
		"amount " + amount,
		"asset " + shortHex(record.Asset.Hex()),
		"holder " + shortHex(record.Holder.Hex()),
		status.Reason,
	}

	var b strings.Builder
	b.WriteString(`<svg xmlns="http://www.w3.org/2000/svg" width="360" height="220" viewBox="0 0 360 220">`)
	b.WriteString(`<rect width="360" height="220" rx="16" fill="#0f172a"/>`)
	fmt.Fprintf(&b, `<rect x="0" y="0" width="8" height="220" fill="%s"/>`, accent)
	for i, line := range lines {
		size := 14
		if i == 0 {
			size = 22
		}
		fmt.Fprintf(&b, `<text x="28" y="%d" font-family="monospace" font-size="%d" fill="#e2e8f0">%s</text>`,
			40+i*32, size, html.EscapeString(line))
	}
	b.WriteString(`</svg>`)
	return b.String()
}

func shortHex(hex string) string {
	if len(hex) <= 12 {
		return hex
	}
	return hex[:6] + "…" + hex[len(hex)-4:]
}
