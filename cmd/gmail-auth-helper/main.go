package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"inbox-assistant/internal/gmail"
	"inbox-assistant/internal/logging"
)

func main() {
	logging.Setup("info", "console")
	if len(os.Args) < 2 {
		log.Fatal().Msg("usage: gmail-auth-helper <credentials.json>")
	}

	credentialsJSON, err := gmail.LoadCredentials("", os.Args[1])
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read credentials")
	}
	creds, err := gmail.ParseCredentials(credentialsJSON)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse credentials")
	}
	cfg := gmail.OAuthConfig(creds)

	// Offline access with forced consent so Google always returns a refresh token.
	authURL := cfg.AuthCodeURL("state-token", oauth2.AccessTypeOffline, oauth2.ApprovalForce)

	fmt.Println("Gmail OAuth2 authorization")
	fmt.Println("==========================")
	fmt.Println("1. Open this URL in your browser:")
	fmt.Printf("   %s\n\n", authURL)
	fmt.Println("2. Authorize the application")
	fmt.Println("3. Paste the authorization code below")
	fmt.Print("\nAuthorization code: ")

	code, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && strings.TrimSpace(code) == "" {
		log.Fatal().Err(err).Msg("failed to read authorization code")
	}

	token, err := cfg.Exchange(context.Background(), strings.TrimSpace(code))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to exchange code for token")
	}

	tokenFile := gmail.DefaultTokenFile()
	if err := gmail.SaveToken(tokenFile, token); err != nil {
		log.Warn().Err(err).Str("file", tokenFile).Msg("failed to cache token")
	} else {
		log.Info().Str("file", tokenFile).Msg("token cached")
	}

	fmt.Println("\nAdd these to your .env file:")
	fmt.Println()
	fmt.Printf("GMAIL_CREDENTIALS_JSON_PATH=%s\n", os.Args[1])
	if token.RefreshToken != "" {
		fmt.Printf("GMAIL_REFRESH_TOKEN=%s\n", token.RefreshToken)
	} else {
		fmt.Println("# no refresh token returned; revoke the app's access and run again")
	}
	fmt.Printf("\nAccess token expires: %v\n", token.Expiry)
}
