// Package gcp builds authenticated client options for the Google APIs
// (Sheets, Drive, Gmail).
package gcp

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
)

// Credentials locates a service account and, for Gmail, the mailbox it
// impersonates through domain-wide delegation.
type Credentials struct {
	File    string // service account JSON; empty means application default credentials
	Subject string // user to impersonate; empty means the service account itself
}

// ClientOptions returns options for a Google API service constructor.
func (c Credentials) ClientOptions(ctx context.Context, scopes ...string) ([]option.ClientOption, error) {
	if c.File == "" {
		creds, err := google.FindDefaultCredentials(ctx, scopes...)
		if err != nil {
			return nil, fmt.Errorf("find default credentials: %w", err)
		}
		return []option.ClientOption{option.WithCredentials(creds)}, nil
	}

	data, err := os.ReadFile(c.File)
	if err != nil {
		return nil, fmt.Errorf("read credentials %s: %w", c.File, err)
	}

	if c.Subject != "" {
		cfg, err := google.JWTConfigFromJSON(data, scopes...)
		if err != nil {
			return nil, fmt.Errorf("parse service account: %w", err)
		}
		cfg.Subject = c.Subject
		return []option.ClientOption{option.WithTokenSource(cfg.TokenSource(ctx))}, nil
	}

	creds, err := google.CredentialsFromJSON(ctx, data, scopes...)
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return []option.ClientOption{option.WithCredentials(creds)}, nil
}
