package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"oobrelay/internal/rights"
	"oobrelay/internal/utils"
)

var ErrNotAuthorized = errors.New("not authorized")

// Authenticator resolves the operator identity of an incoming relay
// request. The web front end issuing operator tokens sits outside this
// service.
type Authenticator interface {
	Authenticate(r *http.Request) (*rights.Principal, error)
}

// authToken is the signed operator identity issued by the front end.
type authToken struct {
	UserID    string            `json:"uid"`
	Name      string            `json:"name"`
	DomainID  string            `json:"dom"`
	SiteAdmin uint32            `json:"sa"`
	Links     map[string]uint32 `json:"links,omitempty"`
	Groups    []string          `json:"grp,omitempty"`
	Issued    int64             `json:"ts"`
}

// TokenAuthenticator accepts HMAC-signed identity tokens from the
// "xt" query parameter.
type TokenAuthenticator struct {
	Key    []byte
	MaxAge time.Duration
}

func (a *TokenAuthenticator) Authenticate(r *http.Request) (*rights.Principal, error) {
	signed := r.URL.Query().Get("xt")
	if signed == "" {
		return nil, ErrNotAuthorized
	}
	value, ok := utils.VerifyValue(signed, a.Key)
	if !ok {
		return nil, ErrNotAuthorized
	}
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, ErrNotAuthorized
	}
	var t authToken
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, ErrNotAuthorized
	}
	if a.MaxAge > 0 && time.Since(time.Unix(t.Issued, 0)) > a.MaxAge {
		return nil, ErrNotAuthorized
	}
	return &rights.Principal{
		ID:        t.UserID,
		Name:      t.Name,
		DomainID:  t.DomainID,
		SiteAdmin: t.SiteAdmin,
		Links:     t.Links,
		Groups:    t.Groups,
	}, nil
}

// EncodeToken signs an operator identity, the counterpart of
// TokenAuthenticator for front ends and tests.
func EncodeToken(p *rights.Principal, key []byte) (string, error) {
	t := authToken{
		UserID:    p.ID,
		Name:      p.Name,
		DomainID:  p.DomainID,
		SiteAdmin: p.SiteAdmin,
		Links:     p.Links,
		Groups:    p.Groups,
		Issued:    time.Now().Unix(),
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	return utils.SignValue(base64.RawURLEncoding.EncodeToString(raw), key), nil
}
