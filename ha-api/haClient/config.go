package haClient

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
)

// AuthHeader carries the API password on REST calls and on the stream connection.
const AuthHeader = "X-HA-Access"

var ErrEmptyBaseURL = errors.New("hub base url must not be empty")

// ConnectionConfig is where the hub lives and how to authenticate against it.
// It is a value type and never changes after construction.
type ConnectionConfig struct {
	BaseURL   string
	AuthToken string
}

func NewConnectionConfig(baseURL, authToken string) (ConnectionConfig, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return ConnectionConfig{}, ErrEmptyBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return ConnectionConfig{}, err
	}
	return ConnectionConfig{BaseURL: baseURL, AuthToken: authToken}, nil
}

// APIURL returns {BaseURL}/api/{path}.
func (c ConnectionConfig) APIURL(path string) (string, error) {
	return url.JoinPath(c.BaseURL, "api", path)
}

// Authorize attaches the auth header when a token is configured. REST and stream
// requests both go through here so the hub sees the same credentials on each.
func (c ConnectionConfig) Authorize(req *http.Request) {
	if c.AuthToken == "" {
		req.Header.Del(AuthHeader)
		return
	}
	req.Header.Set(AuthHeader, c.AuthToken)
}
