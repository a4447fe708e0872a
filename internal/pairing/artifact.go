package pairing

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/caiombs/zapcoach/internal/gateway"
	"github.com/caiombs/zapcoach/internal/store"
	qrcode "github.com/skip2/go-qrcode"
)

// Artifact is the short-lived QR/pairing-code payload authorizing a device
// link. It exists only while a session awaits a scan and is discarded on
// success, expiry, or cancellation.
type Artifact struct {
	QRImage     []byte    `json:"-"`
	PairingCode string    `json:"pairingCode,omitempty"`
	IssuedAt    time.Time `json:"issuedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

var errNoArtifact = errors.New("pairing: gateway returned no usable artifact")

// artifactFrom normalizes a connect response into an Artifact. The gateway
// returns either a pre-rendered base64 PNG, a raw QR code string, a numeric
// pairing code, or some combination; when only a code string is present the
// QR image is rendered locally.
func artifactFrom(raw json.RawMessage, ttl time.Duration) (*Artifact, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errNoArtifact
	}
	if nested, ok := m["qrcode"].(map[string]any); ok {
		for k, v := range nested {
			if _, exists := m[k]; !exists {
				m[k] = v
			}
		}
	}

	now := time.Now()
	art := &Artifact{
		PairingCode: gateway.FirstString(m, "pairingCode"),
		IssuedAt:    now,
		ExpiresAt:   now.Add(ttl),
	}

	if b64 := gateway.FirstString(m, "base64"); b64 != "" {
		if i := strings.IndexByte(b64, ','); i >= 0 {
			b64 = b64[i+1:]
		}
		if img, err := base64.StdEncoding.DecodeString(b64); err == nil {
			art.QRImage = img
		}
	}
	if art.QRImage == nil {
		if code := gateway.FirstString(m, "code"); code != "" {
			img, err := qrcode.Encode(code, qrcode.Medium, 256)
			if err == nil {
				art.QRImage = img
			}
		}
	}

	if art.QRImage == nil && art.PairingCode == "" {
		return nil, errNoArtifact
	}
	return art, nil
}

// connectionStateOf extracts the reported connection state from either the
// flat {"state": "..."} or nested {"instance": {"state": "..."}} shapes.
func connectionStateOf(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return ""
	}
	if nested, ok := m["instance"].(map[string]any); ok {
		if s := gateway.FirstString(nested, "state", "status", "connectionStatus"); s != "" {
			return s
		}
	}
	return gateway.FirstString(m, "state", "status", "connectionStatus")
}

// reportsOpen reports whether a connect/connectionState payload says the
// instance is already paired.
func reportsOpen(raw json.RawMessage) bool {
	return connectionStateOf(raw) == store.StatusOpen
}
