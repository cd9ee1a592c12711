package pairing

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/skip2/go-qrcode"
)

// SetupPayload is what a device node needs to connect to this gateway.
type SetupPayload struct {
	URL   string `json:"url"`
	Token string `json:"token,omitempty"`
}

// EncodeSetupCode packs p into a copy-pasteable setup code.
func EncodeSetupCode(p SetupPayload) (string, error) {
	if strings.TrimSpace(p.URL) == "" {
		return "", errors.New("setup url is required")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeSetupCode reverses EncodeSetupCode.
func DecodeSetupCode(code string) (SetupPayload, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(code))
	if err != nil {
		return SetupPayload{}, fmt.Errorf("invalid setup code: %w", err)
	}
	var p SetupPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return SetupPayload{}, fmt.Errorf("invalid setup code: %w", err)
	}
	if p.URL == "" {
		return SetupPayload{}, errors.New("invalid setup code: missing url")
	}
	return p, nil
}

// RenderSetupQR renders code as a QR code made of terminal block characters.
func RenderSetupQR(code string) (string, error) {
	q, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("render setup qr: %w", err)
	}
	return q.ToSmallString(false), nil
}

// WriteSetupQRPNG writes code as a PNG QR image of size pixels.
func WriteSetupQRPNG(code, path string, size int) error {
	if size <= 0 {
		size = 256
	}
	return qrcode.WriteFile(code, qrcode.Medium, size, path)
}
