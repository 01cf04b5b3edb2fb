package security

import (
	"bytes"
	"encoding/base64"
	"image/png"
	"strings"

	"github.com/pquerna/otp/totp"
)

// totpIssuer is the issuer shown in authenticator apps.
const totpIssuer = "BehindMemo"

// TOTPSetup holds a freshly generated TOTP secret and its provisioning data.
type TOTPSetup struct {
	Secret     string // Base32 secret.
	OtpauthURL string // otpauth:// provisioning URL.
	QRImage    string // Data URL of the QR code PNG, empty on render failure.
}

// GenerateTOTP creates a new TOTP secret for the given account.
func GenerateTOTP(accountName string) (*TOTPSetup, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: accountName,
	})
	if err != nil {
		return nil, err
	}
	setup := &TOTPSetup{
		Secret:     key.Secret(),
		OtpauthURL: key.URL(),
	}
	if img, errImage := key.Image(220, 220); errImage == nil {
		var buf bytes.Buffer
		if errEncode := png.Encode(&buf, img); errEncode == nil {
			setup.QRImage = "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
		}
	}
	return setup, nil
}

// VerifyTOTP reports whether the code matches the secret.
func VerifyTOTP(code, secret string) bool {
	code = strings.TrimSpace(code)
	if code == "" || secret == "" {
		return false
	}
	return totp.Validate(code, secret)
}
