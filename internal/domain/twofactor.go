package domain

// TwoFactorSetupResponse is returned from 2FA setup. Nothing is persisted at
// this point; the client must echo secret and backup codes back on enable.
type TwoFactorSetupResponse struct {
	Secret      string   `json:"secret"`      // base32 encoded TOTP secret
	QRPayload   string   `json:"qrCode"`      // otpauth:// provisioning URI
	BackupCodes []string `json:"backupCodes"` // plaintext, shown once
	Issuer      string   `json:"issuer"`
	Account     string   `json:"account"`
}

// TwoFactorRequiredResponse is returned when a password-valid login still
// needs a 2FA code.
type TwoFactorRequiredResponse struct {
	RequiresTwoFactor bool   `json:"requiresTwoFactor"` // always true
	SessionID         string `json:"sessionId"`
}

// BackupCodeStatus summarises how many backup codes remain usable.
type BackupCodeStatus struct {
	Total     int `json:"total"`
	Used      int `json:"used"`
	Remaining int `json:"remaining"`
}
