package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/maxdollinger/docker2vm/pkg/issue"
)

// challenge is a parsed WWW-Authenticate header.
type challenge struct {
	Scheme  string
	Realm   string
	Service string
	Scope   string
}

// parseChallenge returns nil when the header is empty, has no parameters or
// lacks a realm.
func parseChallenge(header string) *challenge {
	header = strings.TrimSpace(header)
	scheme, rest, found := strings.Cut(header, " ")
	if !found || scheme == "" || strings.TrimSpace(rest) == "" {
		return nil
	}

	params := parseParams(rest)
	if params["realm"] == "" {
		return nil
	}

	return &challenge{
		Scheme:  scheme,
		Realm:   params["realm"],
		Service: params["service"],
		Scope:   params["scope"],
	}
}

// parseParams splits key=value pairs on commas that are not inside quotes.
func parseParams(raw string) map[string]string {
	params := map[string]string{}

	var parts []string
	var current strings.Builder
	quoted := false
	for _, r := range raw {
		switch {
		case r == '"':
			quoted = !quoted
			current.WriteRune(r)
		case r == ',' && !quoted:
			parts = append(parts, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	parts = append(parts, current.String())

	for _, part := range parts {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		if len(value) >= 2 && strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`) {
			value = value[1 : len(value)-1]
		}
		params[strings.ToLower(key)] = value
	}

	return params
}

type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
}

func (c *Client) requestToken(ctx context.Context, ch *challenge) (string, error) {
	tokenURL, err := url.Parse(ch.Realm)
	if err != nil {
		return "", issue.Wrap(issue.KindProtocol, ErrRequestFailed, err,
			fmt.Sprintf("invalid token realm '%s'", ch.Realm),
			"Check registry authentication endpoint behavior.")
	}

	query := tokenURL.Query()
	if ch.Service != "" {
		query.Set("service", ch.Service)
	}
	scope := ch.Scope
	if scope == "" {
		scope = fmt.Sprintf("repository:%s:pull", c.ref.Repository)
	}
	query.Set("scope", scope)
	tokenURL.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL.String(), nil)
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	c.logger.DebugContext(ctx, "requesting registry token", "realm", ch.Realm, "service", ch.Service, "scope", scope)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", transportError(err, tokenURL.String())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", statusError(resp, tokenURL.String(), "Unable to obtain Bearer token for registry access.")
	}

	var payload tokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return "", issue.Wrap(issue.KindProtocol, ErrMissingToken, err,
			"registry token response is not valid JSON",
			"Check registry authentication endpoint behavior.")
	}

	token := payload.Token
	if token == "" {
		token = payload.AccessToken
	}
	if token == "" {
		return "", issue.New(issue.KindProtocol, ErrMissingToken,
			"registry token response did not include a token",
			"Check registry authentication endpoint behavior.")
	}

	return token, nil
}
