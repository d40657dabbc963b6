package authjwt

import "time"

// JWTPayload is the claim set of a verified auth-service token.
type JWTPayload struct {
	ID                   string  `json:"id"`
	Name                 string  `json:"name"`
	Email                string  `json:"email"`
	Image                *string `json:"image"`
	ActiveOrganizationID *string `json:"activeOrganizationId"`
	ActiveTeamID         *string `json:"activeTeamId"`
	ImpersonatedBy       *string `json:"impersonatedBy"`

	IssuedAt  time.Time `json:"iat,omitempty"`
	ExpiresAt time.Time `json:"exp,omitempty"`
	Issuer    string    `json:"iss,omitempty"`
	Audience  []string  `json:"aud,omitempty"`
	Subject   string    `json:"sub,omitempty"`
}

// UserInfo is the public projection of a payload handed to request handlers.
type UserInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Image string `json:"image,omitempty"`
}

// ValidateJWTPayload reports whether claims carry string id, name and email
// and an image that is absent, null or a string.
func ValidateJWTPayload(claims map[string]any) bool {
	if claims == nil {
		return false
	}
	for _, name := range []string{"id", "name", "email"} {
		if _, ok := claims[name].(string); !ok {
			return false
		}
	}
	if image, ok := claims["image"]; ok && image != nil {
		if _, ok := image.(string); !ok {
			return false
		}
	}
	return true
}

// ExtractUserInfo projects a payload into UserInfo. A null image becomes
// the empty string.
func ExtractUserInfo(p *JWTPayload) UserInfo {
	info := UserInfo{
		ID:    p.ID,
		Name:  p.Name,
		Email: p.Email,
	}
	if p.Image != nil {
		info.Image = *p.Image
	}
	return info
}

func payloadFromClaims(claims map[string]any) *JWTPayload {
	p := &JWTPayload{
		ID:                   claims["id"].(string),
		Name:                 claims["name"].(string),
		Email:                claims["email"].(string),
		Image:                optionalString(claims, "image"),
		ActiveOrganizationID: optionalString(claims, "activeOrganizationId"),
		ActiveTeamID:         optionalString(claims, "activeTeamId"),
		ImpersonatedBy:       optionalString(claims, "impersonatedBy"),
	}
	if v, ok := claims["iss"].(string); ok {
		p.Issuer = v
	}
	if v, ok := claims["sub"].(string); ok {
		p.Subject = v
	}
	p.Audience = normalizeAudience(claims["aud"])
	p.IssuedAt = claimTime(claims["iat"])
	p.ExpiresAt = claimTime(claims["exp"])
	return p
}

func optionalString(claims map[string]any, name string) *string {
	s, ok := claims[name].(string)
	if !ok {
		return nil
	}
	return &s
}

func normalizeAudience(value any) []string {
	switch v := value.(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v != "" {
			return []string{v}
		}
		return nil
	default:
		return nil
	}
}

func claimTime(value any) time.Time {
	switch v := value.(type) {
	case time.Time:
		return v.UTC()
	case float64:
		return time.Unix(int64(v), 0).UTC()
	case int64:
		return time.Unix(v, 0).UTC()
	default:
		return time.Time{}
	}
}
