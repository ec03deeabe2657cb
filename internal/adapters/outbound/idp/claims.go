package idp

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/sufield/devicefleet/internal/domain"
)

// DefaultGroupClaims is the claim-name precedence for group memberships.
var DefaultGroupClaims = []string{"cognito:groups", "groups"}

var usernameClaims = []string{"cognito:username", "preferred_username", "username"}

var signatureAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.HS256,
}

// ClaimsParser extracts a UserIdentity from an ID token.
//
// Claims are read without signature verification; only tokens received
// directly from the identity provider may be passed in.
type ClaimsParser struct {
	// GroupClaims lists the claim names checked for groups, first match wins.
	GroupClaims []string
}

// Parse decodes the token's claims. The first group claim present in
// GroupClaims is authoritative, even if it is empty; when none is present
// the identity's GroupSource is GroupSourceNone.
func (p ClaimsParser) Parse(idToken string) (*domain.UserIdentity, error) {
	raw, err := rawClaims(idToken)
	if err != nil {
		return nil, err
	}

	sub, _ := raw["sub"].(string)
	if strings.TrimSpace(sub) == "" {
		return nil, fmt.Errorf("identity token has no subject")
	}

	identity := &domain.UserIdentity{
		Subject:       sub,
		Username:      firstString(raw, usernameClaims),
		Name:          firstString(raw, []string{"name"}),
		Email:         firstString(raw, []string{"email"}),
		EmailVerified: boolClaim(raw["email_verified"]),
	}

	claims := p.GroupClaims
	if len(claims) == 0 {
		claims = DefaultGroupClaims
	}
	for _, name := range claims {
		v, ok := raw[name]
		if !ok {
			continue
		}
		groups, err := groupList(v)
		if err != nil {
			return nil, fmt.Errorf("claim %q: %w", name, err)
		}
		identity.Groups = domain.NewGroupSet(groups...)
		identity.GroupSource = domain.GroupSourceClaims
		return identity, nil
	}
	identity.Groups = domain.NewGroupSet()
	identity.GroupSource = domain.GroupSourceNone
	return identity, nil
}

// tokenExpiry returns the exp claim of a JWT, or the zero time.
func tokenExpiry(token string) time.Time {
	tok, err := jwt.ParseSigned(token, signatureAlgorithms)
	if err != nil {
		return time.Time{}
	}
	var c jwt.Claims
	if err := tok.UnsafeClaimsWithoutVerification(&c); err != nil || c.Expiry == nil {
		return time.Time{}
	}
	return c.Expiry.Time()
}

func rawClaims(token string) (map[string]any, error) {
	tok, err := jwt.ParseSigned(token, signatureAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("parse identity token: %w", err)
	}
	raw := map[string]any{}
	if err := tok.UnsafeClaimsWithoutVerification(&raw); err != nil {
		return nil, fmt.Errorf("decode identity claims: %w", err)
	}
	return raw, nil
}

// groupList accepts a JSON array of strings, or a single string holding
// space or comma separated names.
func groupList(v any) ([]string, error) {
	switch g := v.(type) {
	case nil:
		return nil, nil
	case []any:
		out := make([]string, 0, len(g))
		for _, item := range g {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("unexpected group entry type %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	case []string:
		return g, nil
	case string:
		return strings.FieldsFunc(g, func(r rune) bool { return r == ',' || r == ' ' }), nil
	default:
		return nil, fmt.Errorf("unexpected group claim type %T", v)
	}
}

func firstString(raw map[string]any, names []string) string {
	for _, n := range names {
		if s, ok := raw[n].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// boolClaim accepts true or "true".
func boolClaim(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		ok, _ := strconv.ParseBool(b)
		return ok
	default:
		return false
	}
}
