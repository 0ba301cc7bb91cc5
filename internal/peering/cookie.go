package peering

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"oobrelay/internal/constants"
	"oobrelay/internal/rights"
	"oobrelay/internal/utils"
)

var (
	ErrCookieInvalid = errors.New("peer cookie invalid")
	ErrCookieExpired = errors.New("peer cookie expired")
)

// peerCookie carries operator identity across a single peer hop. PS is
// always 1 so the receiving server never forwards again.
type peerCookie struct {
	UserID    string            `json:"uid"`
	Name      string            `json:"name"`
	DomainID  string            `json:"dom"`
	SiteAdmin uint32            `json:"sa"`
	Links     map[string]uint32 `json:"links,omitempty"`
	Groups    []string          `json:"grp,omitempty"`
	PS        int               `json:"ps"`
	Issued    int64             `json:"ts"`
}

// EncodePeerCookie signs an operator identity for one forwarded hop.
func EncodePeerCookie(p *rights.Principal, key []byte) (string, error) {
	c := peerCookie{
		UserID:    p.ID,
		Name:      p.Name,
		DomainID:  p.DomainID,
		SiteAdmin: p.SiteAdmin,
		Links:     p.Links,
		Groups:    p.Groups,
		PS:        1,
		Issued:    time.Now().Unix(),
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode peer cookie: %w", err)
	}
	return utils.SignValue(base64.RawURLEncoding.EncodeToString(raw), key), nil
}

// DecodePeerCookie verifies a cookie and returns the carried
// principal. Expired or tampered cookies are rejected.
func DecodePeerCookie(signed string, key []byte) (*rights.Principal, error) {
	value, ok := utils.VerifyValue(signed, key)
	if !ok {
		return nil, ErrCookieInvalid
	}
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, ErrCookieInvalid
	}
	var c peerCookie
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, ErrCookieInvalid
	}
	if c.PS != 1 {
		return nil, ErrCookieInvalid
	}
	if time.Since(time.Unix(c.Issued, 0)) > constants.PeerCookieMaxAge {
		return nil, ErrCookieExpired
	}
	return &rights.Principal{
		ID:        c.UserID,
		Name:      c.Name,
		DomainID:  c.DomainID,
		SiteAdmin: c.SiteAdmin,
		Links:     c.Links,
		Groups:    c.Groups,
	}, nil
}
