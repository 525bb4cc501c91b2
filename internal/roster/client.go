// Package roster pulls course memberships from a platform's Names and Role
// Provisioning Service (NRPS v2) and reconciles them into the local
// user/context/enrollment tables.
package roster

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/classpilot/lti-engine/internal/lti"
	"github.com/classpilot/lti-engine/internal/store"
)

const (
	scopeMembershipReadonly = "https://purl.imsglobal.org/spec/lti-nrps/scope/contextmembership.readonly"
	assertionType           = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	membershipMediaType     = "application/vnd.ims.lti-nrps.v2.membershipcontainer+json"

	assertionLifetime = time.Hour
	maxPages          = 100
)

// Membership is one roster entry as returned by the platform. Field names
// match NRPS v2 JSON.
type Membership struct {
	UserID     string   `json:"user_id"`
	Roles      []string `json:"roles"`
	Status     string   `json:"status,omitempty"` // Active|Inactive|Deleted
	Name       string   `json:"name,omitempty"`
	GivenName  string   `json:"given_name,omitempty"`
	FamilyName string   `json:"family_name,omitempty"`
	Email      string   `json:"email,omitempty"`
}

type membershipContainer struct {
	ID      string       `json:"id"`
	Members []Membership `json:"members"`
	Next    string       `json:"next,omitempty"`
}

// accessToken obtains a platform access token for the NRPS scope via the
// client_credentials grant with a private_key_jwt client assertion signed
// by the platform's active tool key.
func (e *Engine) accessToken(ctx context.Context, p store.Platform, key store.SigningKey) (*oauth2.Token, error) {
	assertion, err := buildClientAssertion(p, key, e.now())
	if err != nil {
		return nil, fmt.Errorf("build client assertion: %w", err)
	}

	cc := clientcredentials.Config{
		ClientID:  p.ClientID,
		TokenURL:  p.TokenEndpoint,
		Scopes:    []string{scopeMembershipReadonly},
		AuthStyle: oauth2.AuthStyleInParams,
		EndpointParams: url.Values{
			"client_assertion_type": {assertionType},
			"client_assertion":      {assertion},
		},
	}
	tok, err := cc.Token(context.WithValue(ctx, oauth2.HTTPClient, e.httpClient()))
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}
	return tok, nil
}

// buildClientAssertion signs the RS256 JWT that authenticates the tool at
// the platform's token endpoint. iss and sub both carry the client_id; the
// kid header lets the platform pick the right key from our JWKS.
func buildClientAssertion(p store.Platform, key store.SigningKey, now time.Time) (string, error) {
	priv, err := lti.ParsePrivateKey(key.PrivatePEM)
	if err != nil {
		return "", err
	}
	claims := jwt.RegisteredClaims{
		Issuer:    p.ClientID,
		Subject:   p.ClientID,
		Audience:  jwt.ClaimStrings{p.TokenEndpoint},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionLifetime)),
		ID:        uuid.NewString(),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	t.Header["kid"] = key.KID
	return t.SignedString(priv)
}

// fetchMemberships walks the paginated membership container, following the
// body "next" field or the RFC 5988 Link rel="next" header.
func (e *Engine) fetchMemberships(ctx context.Context, membershipsURL, bearer string) ([]Membership, error) {
	var all []Membership
	next := membershipsURL
	for page := 0; next != ""; page++ {
		if page >= maxPages {
			return nil, fmt.Errorf("pagination exceeded %d pages", maxPages)
		}
		members, nextURL, err := e.fetchPage(ctx, next, bearer)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", page+1, err)
		}
		all = append(all, members...)
		next = nextURL
	}
	return all, nil
}

func (e *Engine) fetchPage(ctx context.Context, pageURL, bearer string) ([]Membership, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", membershipMediaType)

	resp, err := e.httpClient().Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, "", fmt.Errorf("memberships fetch: status %d", resp.StatusCode)
	}

	var container membershipContainer
	if err := json.NewDecoder(resp.Body).Decode(&container); err != nil {
		return nil, "", fmt.Errorf("decode container: %w", err)
	}

	next := container.Next
	if next == "" {
		next = linkNext(resp.Header.Values("Link"))
	}
	if next == pageURL {
		next = ""
	}
	return container.Members, next, nil
}

// linkNext extracts the rel="next" target from Link headers.
func linkNext(links []string) string {
	for _, header := range links {
		for _, part := range strings.Split(header, ",") {
			seg := strings.Split(part, ";")
			if len(seg) < 2 {
				continue
			}
			target := strings.Trim(strings.TrimSpace(seg[0]), "<>")
			for _, attr := range seg[1:] {
				attr = strings.TrimSpace(attr)
				if attr == `rel="next"` || attr == "rel=next" {
					return target
				}
			}
		}
	}
	return ""
}
