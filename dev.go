package authjwt

import "time"

// DevBypassClaims holds attributes used when issuing synthetic payloads in dev mode.
type DevBypassClaims struct {
	ID       string
	Name     string
	Email    string
	Issuer   string
	Audience []string

	ActiveOrganizationID string
}

// ToCaller converts the dev bypass configuration into a caller.
func (d DevBypassClaims) ToCaller() Caller {
	now := time.Now().UTC()
	payload := &JWTPayload{
		ID:        d.ID,
		Name:      d.Name,
		Email:     d.Email,
		Issuer:    d.Issuer,
		Audience:  append([]string(nil), d.Audience...),
		Subject:   d.ID,
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}
	if d.ActiveOrganizationID != "" {
		org := d.ActiveOrganizationID
		payload.ActiveOrganizationID = &org
	}
	caller := NewCaller(payload)
	caller.DevBypass = true
	return caller
}

// DefaultDevBypassClaims returns a baseline set of claims suitable for local development.
func DefaultDevBypassClaims(issuer string) DevBypassClaims {
	iss := issuer
	if iss == "" {
		iss = "http://localhost:3000"
	}
	return DevBypassClaims{
		ID:       "dev-bypass",
		Name:     "Dev Bypass",
		Email:    "dev-bypass@localhost",
		Issuer:   iss,
		Audience: []string{iss},
	}
}
