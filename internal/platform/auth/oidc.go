package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// OIDCDiscovery is the part of an OpenID Connect discovery document the
// server needs to validate tokens.
type OIDCDiscovery struct {
	Issuer                  string   `json:"issuer"`
	JWKSURI                 string   `json:"jwks_uri"`
	IDTokenSigningAlgValues []string `json:"id_token_signing_alg_values_supported"`
}

// DiscoverOIDC fetches issuer/.well-known/openid-configuration. The
// advertised issuer must match the configured one.
func DiscoverOIDC(issuerURL string) (*OIDCDiscovery, error) {
	issuerURL = strings.TrimRight(issuerURL, "/")
	discoveryURL := issuerURL + "/.well-known/openid-configuration"

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(discoveryURL)
	if err != nil {
		return nil, fmt.Errorf("fetching OIDC discovery document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("OIDC discovery endpoint returned status %d", resp.StatusCode)
	}

	var doc OIDCDiscovery
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding OIDC discovery document: %w", err)
	}
	if doc.JWKSURI == "" {
		return nil, fmt.Errorf("OIDC discovery document missing jwks_uri")
	}
	if doc.Issuer != "" && strings.TrimRight(doc.Issuer, "/") != issuerURL {
		return nil, fmt.Errorf("OIDC issuer mismatch: configured %q, discovered %q", issuerURL, doc.Issuer)
	}
	return &doc, nil
}

// SupportsRS256 reports whether the provider signs ID tokens with RS256,
// the only asymmetric algorithm JWTMiddleware accepts.
func (d *OIDCDiscovery) SupportsRS256() bool {
	if len(d.IDTokenSigningAlgValues) == 0 {
		return true
	}
	for _, alg := range d.IDTokenSigningAlgValues {
		if alg == "RS256" {
			return true
		}
	}
	return false
}
