package creds

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Twitch OAuth endpoints for the device-code grant.
const (
	deviceAuthURL = "https://id.twitch.tv/oauth2/device"
	tokenURL      = "https://id.twitch.tv/oauth2/token"
)

// Pairer binds a new session when no credentials exist, by walking the
// operator through the device-code flow: a short-lived user code is printed
// and the flow polls until the operator approves it in a browser.
type Pairer struct {
	ClientID string
	Scopes   []string
	// Out receives the operator-facing pairing prompt (defaults to stderr
	// semantics via the logger when nil).
	Out io.Writer
}

func (p *Pairer) conf() *oauth2.Config {
	return &oauth2.Config{
		ClientID: p.ClientID,
		Scopes:   p.Scopes,
		Endpoint: oauth2.Endpoint{
			DeviceAuthURL: deviceAuthURL,
			TokenURL:      tokenURL,
		},
	}
}

// Pair runs the device-code exchange and returns the freshly bound
// credentials. It blocks until the operator approves, the code expires, or
// ctx is canceled.
func (p *Pairer) Pair(ctx context.Context) (Credentials, error) {
	if p.ClientID == "" {
		return Credentials{}, fmt.Errorf("pairing requires TWITCH_CLIENT_ID")
	}
	conf := p.conf()

	da, err := conf.DeviceAuth(ctx)
	if err != nil {
		return Credentials{}, fmt.Errorf("device auth request: %w", err)
	}

	prompt := fmt.Sprintf("To pair this bot, visit %s and enter code %s (expires %s)",
		da.VerificationURI, da.UserCode, da.Expiry.Format(time.Kitchen))
	if p.Out != nil {
		fmt.Fprintln(p.Out, prompt)
	}
	slog.Info("pairing started",
		slog.String("verification_uri", da.VerificationURI),
		slog.String("user_code", da.UserCode),
		slog.String("component", "creds"))

	tok, err := conf.DeviceAccessToken(ctx, da)
	if err != nil {
		return Credentials{}, fmt.Errorf("device token exchange: %w", err)
	}

	return Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		Scope:        strings.Join(p.Scopes, " "),
	}, nil
}

// Refresh exchanges a refresh token for a rotated pair, for use as the
// refresher's RefreshFunc.
func (p *Pairer) Refresh(ctx context.Context, refreshToken string) (Credentials, error) {
	tok, err := p.conf().TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return Credentials{}, fmt.Errorf("refresh exchange: %w", err)
	}
	return Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}, nil
}
