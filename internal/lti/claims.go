package lti

import (
	"fmt"
	"strings"
)

// LTI 1.3 namespaced claim URIs.
const (
	ClaimMessageType = "https://purl.imsglobal.org/spec/lti/claim/message_type"
	ClaimVersion     = "https://purl.imsglobal.org/spec/lti/claim/version"
	ClaimDeployment  = "https://purl.imsglobal.org/spec/lti/claim/deployment_id"
	ClaimTarget      = "https://purl.imsglobal.org/spec/lti/claim/target_link_uri"
	ClaimContext     = "https://purl.imsglobal.org/spec/lti/claim/context"
	ClaimRoles       = "https://purl.imsglobal.org/spec/lti/claim/roles"

	ClaimAGSEndpoint = "https://purl.imsglobal.org/spec/lti-ags/claim/endpoint"
	ClaimNRPS        = "https://purl.imsglobal.org/spec/lti-nrps/claim/namesroleservice"

	MessageTypeResourceLink = "LtiResourceLinkRequest"
)

// Local roles. The LMS role vocabulary is collapsed to a coarse binary
// mapping; no finer LMS-role fidelity is kept locally.
const (
	RoleInstructor = "instructor"
	RoleStudent    = "student"
)

// ContextClaim is the course/section the launch happened in.
type ContextClaim struct {
	ID    string
	Label string
	Title string
}

// NRPSClaim describes the platform's roster service for the context.
type NRPSClaim struct {
	MembershipsURL  string
	ServiceVersions []string
}

// AGSClaim describes the platform's grade service for the context. It is
// captured and persisted with the context but not exercised further here.
type AGSClaim struct {
	LineItemsURL string
	Scopes       []string
}

// LaunchClaims is the typed view of a verified id_token payload. Decoding
// is strict: a claim that is present but malformed fails the launch at the
// verifier boundary instead of propagating a zero value.
type LaunchClaims struct {
	Subject      string // external user id
	Nonce        string
	MessageType  string
	DeploymentID string
	TargetLink   string

	Email      string
	GivenName  string
	FamilyName string
	FullName   string
	Roles      []string // raw role URIs, order preserved

	Context *ContextClaim
	NRPS    *NRPSClaim
	AGS     *AGSClaim

	Raw map[string]any
}

// DecodeLaunchClaims validates and extracts the LTI claims from a verified
// token payload.
func DecodeLaunchClaims(payload map[string]any) (LaunchClaims, error) {
	lc := LaunchClaims{Raw: payload}

	sub, err := optString(payload, "sub")
	if err != nil {
		return lc, err
	}
	if sub == "" {
		return lc, fmt.Errorf("missing sub claim")
	}
	lc.Subject = sub

	for key, dst := range map[string]*string{
		"nonce":          &lc.Nonce,
		"email":          &lc.Email,
		"given_name":     &lc.GivenName,
		"family_name":    &lc.FamilyName,
		"name":           &lc.FullName,
		ClaimMessageType: &lc.MessageType,
		ClaimDeployment:  &lc.DeploymentID,
		ClaimTarget:      &lc.TargetLink,
	} {
		v, err := optString(payload, key)
		if err != nil {
			return lc, err
		}
		*dst = v
	}

	if raw, ok := payload[ClaimRoles]; ok {
		roles, err := stringSlice(raw)
		if err != nil {
			return lc, fmt.Errorf("claim %s: %w", ClaimRoles, err)
		}
		lc.Roles = roles
	}

	if raw, ok := payload[ClaimContext]; ok {
		obj, ok := raw.(map[string]any)
		if !ok {
			return lc, fmt.Errorf("claim %s: not an object", ClaimContext)
		}
		cc := ContextClaim{}
		for key, dst := range map[string]*string{"id": &cc.ID, "label": &cc.Label, "title": &cc.Title} {
			v, err := optString(obj, key)
			if err != nil {
				return lc, fmt.Errorf("claim %s: %w", ClaimContext, err)
			}
			*dst = v
		}
		if cc.ID == "" {
			return lc, fmt.Errorf("claim %s: missing id", ClaimContext)
		}
		lc.Context = &cc
	}

	if raw, ok := payload[ClaimNRPS]; ok {
		obj, ok := raw.(map[string]any)
		if !ok {
			return lc, fmt.Errorf("claim %s: not an object", ClaimNRPS)
		}
		nc := NRPSClaim{}
		v, err := optString(obj, "context_memberships_url")
		if err != nil {
			return lc, fmt.Errorf("claim %s: %w", ClaimNRPS, err)
		}
		nc.MembershipsURL = v
		if vr, ok := obj["service_versions"]; ok {
			if nc.ServiceVersions, err = stringSlice(vr); err != nil {
				return lc, fmt.Errorf("claim %s: %w", ClaimNRPS, err)
			}
		}
		lc.NRPS = &nc
	}

	if raw, ok := payload[ClaimAGSEndpoint]; ok {
		obj, ok := raw.(map[string]any)
		if !ok {
			return lc, fmt.Errorf("claim %s: not an object", ClaimAGSEndpoint)
		}
		ac := AGSClaim{}
		v, err := optString(obj, "lineitems")
		if err != nil {
			return lc, fmt.Errorf("claim %s: %w", ClaimAGSEndpoint, err)
		}
		ac.LineItemsURL = v
		if vr, ok := obj["scope"]; ok {
			if ac.Scopes, err = stringSlice(vr); err != nil {
				return lc, fmt.Errorf("claim %s: %w", ClaimAGSEndpoint, err)
			}
		}
		lc.AGS = &ac
	}

	return lc, nil
}

// instructorMarkers are matched as substrings against role URIs.
var instructorMarkers = []string{"Instructor", "Administrator", "ContentDeveloper", "TeachingAssistant"}

// MapRole collapses LMS role URIs to a local role. Unknown and empty role
// lists default to student.
func MapRole(roleURIs []string) string {
	for _, uri := range roleURIs {
		for _, marker := range instructorMarkers {
			if strings.Contains(uri, marker) {
				return RoleInstructor
			}
		}
	}
	return RoleStudent
}

func optString(m map[string]any, key string) (string, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("claim %s: not a string", key)
	}
	return s, nil
}

func stringSlice(raw any) ([]string, error) {
	switch v := raw.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, it := range v {
			s, ok := it.(string)
			if !ok {
				return nil, fmt.Errorf("element is not a string")
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("not a string array")
	}
}
