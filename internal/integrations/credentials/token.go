package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// TokenSource yields the bearer token sent to a hosted service.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Getter is satisfied by *paramstore.Client.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type staticToken string

// Static returns a TokenSource that always yields token.
func Static(token string) TokenSource {
	return staticToken(strings.TrimSpace(token))
}

func (s staticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", errors.New("credentials: token is empty")
	}
	return string(s), nil
}

// tokenPayload is the expected JSON shape stored in SSM for a token.
type tokenPayload struct {
	Token string `json:"token"`
}

// ParamStoreToken fetches the token from SSM on the first successful call and
// reuses it for the lifetime of the process. Failed fetches are retried.
type ParamStoreToken struct {
	getter Getter
	name   string

	mu      sync.Mutex
	fetched bool
	token   string
}

func FromParamStore(getter Getter, name string) (*ParamStoreToken, error) {
	if getter == nil {
		return nil, errors.New("credentials: paramstore getter must not be nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("credentials: parameter name must not be empty")
	}
	return &ParamStoreToken{getter: getter, name: name}, nil
}

func (p *ParamStoreToken) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fetched {
		return p.token, nil
	}
	token, err := fetchToken(ctx, p.getter, p.name)
	if err != nil {
		return "", err
	}
	p.token, p.fetched = token, true
	return token, nil
}

func fetchToken(ctx context.Context, getter Getter, name string) (string, error) {
	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("credentials: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("credentials: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", errors.New("credentials: token is empty")
	}
	return tp.Token, nil
}
