package gmail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"
)

// Scopes needed to search, draft and send.
var Scopes = []string{gmailapi.GmailModifyScope, gmailapi.GmailComposeScope}

type OAuth2Credentials struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	RedirectURIs []string `json:"redirect_uris"`
	AuthURI      string   `json:"auth_uri"`
	TokenURI     string   `json:"token_uri"`
}

// credentialsFile is the layout downloaded from Google Cloud Console.
type credentialsFile struct {
	Installed *OAuth2Credentials `json:"installed,omitempty"`
	Web       *OAuth2Credentials `json:"web,omitempty"`
}

// ParseCredentials accepts either a bare client object or the Cloud Console
// file with an "installed" or "web" section.
func ParseCredentials(credentialsJSON string) (*OAuth2Credentials, error) {
	var direct OAuth2Credentials
	if err := json.Unmarshal([]byte(credentialsJSON), &direct); err == nil {
		if direct.ClientID != "" && direct.ClientSecret != "" {
			return &direct, nil
		}
	}
	var file credentialsFile
	if err := json.Unmarshal([]byte(credentialsJSON), &file); err != nil {
		return nil, fmt.Errorf("parse gmail credentials: %w", err)
	}
	switch {
	case file.Installed != nil:
		return file.Installed, nil
	case file.Web != nil:
		return file.Web, nil
	}
	return nil, errors.New("no valid credentials found: expected 'installed' or 'web' section")
}

// LoadCredentials returns inline JSON or reads it from path.
func LoadCredentials(inline, path string) (string, error) {
	if inline != "" {
		return inline, nil
	}
	if path == "" {
		return "", errors.New("GMAIL_CREDENTIALS_JSON or GMAIL_CREDENTIALS_JSON_PATH is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read gmail credentials: %w", err)
	}
	return string(data), nil
}

func OAuthConfig(creds *OAuth2Credentials) *oauth2.Config {
	redirect := "urn:ietf:wg:oauth:2.0:oob"
	if len(creds.RedirectURIs) > 0 {
		redirect = creds.RedirectURIs[0]
	}
	return &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURL:  redirect,
		Scopes:       Scopes,
		Endpoint:     google.Endpoint,
	}
}

// DefaultTokenFile is where refreshed tokens are cached between runs.
func DefaultTokenFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "gmail-token.json"
	}
	return filepath.Join(home, ".inbox-assistant", "gmail-token.json")
}

// TokenSource prefers a cached valid token, then the refresh token. It never
// prompts; run gmail-auth-helper to obtain a refresh token first.
func TokenSource(ctx context.Context, cfg *oauth2.Config, refreshToken, tokenFile string) (oauth2.TokenSource, error) {
	if tok, err := LoadToken(tokenFile); err == nil {
		if tok.Valid() {
			return cfg.TokenSource(ctx, tok), nil
		}
		if refreshToken == "" {
			refreshToken = tok.RefreshToken
		}
	}
	if refreshToken == "" {
		return nil, errors.New("no cached token and GMAIL_REFRESH_TOKEN is empty")
	}
	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("refresh gmail token: %w", err)
	}
	if err := SaveToken(tokenFile, tok); err != nil {
		log.Warn().Err(err).Str("component", "gmail").Msg("failed to cache refreshed token")
	}
	return cfg.TokenSource(ctx, tok), nil
}

func LoadToken(filename string) (*oauth2.Token, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, err
	}
	return tok, nil
}

func SaveToken(filename string, tok *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(tok)
}
