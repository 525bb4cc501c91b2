package lti

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/classpilot/lti-engine/internal/store"
)

// LoginService handles the third-party-initiated OIDC login: it binds the
// incoming hint to a fresh state+nonce pair and redirects the browser to
// the platform's authorization endpoint.
type LoginService struct {
	Platforms   store.PlatformStore
	Sessions    store.LaunchSessionStore
	Logger      *zap.Logger
	RedirectURI string        // the tool's launch endpoint, absolute
	SessionTTL  time.Duration // handshake validity window
}

// loginRequest carries the platform-supplied initiation parameters.
// Platforms send these as either GET query or POST form fields.
type loginRequest struct {
	Issuer         string
	LoginHint      string
	ClientID       string
	TargetLinkURI  string
	MessageHint    string
	DeploymentHint string
}

func loginRequestFrom(r *http.Request) loginRequest {
	get := r.URL.Query().Get
	if r.Method == http.MethodPost {
		_ = r.ParseForm()
		get = r.PostForm.Get
	}
	return loginRequest{
		Issuer:         get("iss"),
		LoginHint:      get("login_hint"),
		ClientID:       get("client_id"),
		TargetLinkURI:  get("target_link_uri"),
		MessageHint:    get("lti_message_hint"),
		DeploymentHint: get("lti_deployment_id"),
	}
}

// Handler serves POST|GET /lti/login.
func (s *LoginService) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := loginRequestFrom(r)
		authURL, err := s.Initiate(r, req)
		if err != nil {
			WriteError(w, err)
			return
		}
		http.Redirect(w, r, authURL, http.StatusFound)
	}
}

// Initiate validates the login request, persists the handshake session and
// returns the platform authorization URL to redirect to.
func (s *LoginService) Initiate(r *http.Request, req loginRequest) (string, error) {
	if req.Issuer == "" || req.LoginHint == "" {
		return "", BadRequest("missing iss or login_hint", nil)
	}

	p, err := s.Platforms.GetPlatformByIssuer(r.Context(), req.Issuer)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.logUnknownIssuer(r, req.Issuer)
			return "", NotFound("unknown platform issuer", nil)
		}
		return "", Internal("internal error", err)
	}
	if req.ClientID != "" && req.ClientID != p.ClientID {
		return "", BadRequest("client_id does not match registration", nil)
	}

	state := randHex(16)
	nonce := randHex(16)
	sess := store.LaunchSession{
		ID:         state,
		PlatformID: p.ID,
		Data: map[string]any{
			"nonce":            nonce,
			"login_hint":       req.LoginHint,
			"target_link_uri":  req.TargetLinkURI,
			"lti_message_hint": req.MessageHint,
		},
	}
	if err := s.Sessions.PutLaunchSession(r.Context(), sess, s.SessionTTL); err != nil {
		return "", Internal("internal error", err)
	}

	q := url.Values{}
	q.Set("response_type", "id_token")
	q.Set("response_mode", "form_post")
	q.Set("scope", "openid")
	q.Set("prompt", "none")
	q.Set("client_id", p.ClientID)
	q.Set("redirect_uri", s.RedirectURI)
	q.Set("state", state)
	q.Set("nonce", nonce)
	q.Set("login_hint", req.LoginHint)
	if req.MessageHint != "" {
		q.Set("lti_message_hint", req.MessageHint)
	}

	sep := "?"
	if len(p.AuthEndpoint) > 0 && containsQuery(p.AuthEndpoint) {
		sep = "&"
	}
	return p.AuthEndpoint + sep + q.Encode(), nil
}

// logUnknownIssuer records the rejected issuer next to the known ones so a
// misconfigured platform registration is diagnosable from logs alone.
func (s *LoginService) logUnknownIssuer(r *http.Request, issuer string) {
	known, err := s.Platforms.ListIssuers(r.Context())
	if err != nil {
		known = nil
	}
	s.Logger.Warn("login from unregistered issuer",
		zap.String("issuer", issuer),
		zap.Strings("known_issuers", known))
}

func containsQuery(u string) bool {
	parsed, err := url.Parse(u)
	return err == nil && parsed.RawQuery != ""
}
