package mail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// searchPageSize is the most message ids Gmail returns per list call
const searchPageSize = 500

// Gmail implements Source for the authorized user's mailbox
type Gmail struct {
	svc *gmail.Service
}

// GmailConfig locates the OAuth client credentials and the saved user token
type GmailConfig struct {
	// CredentialsFile is the OAuth client JSON downloaded from the Google console
	CredentialsFile string
	// TokenFile holds the user's token; refreshed tokens are written back to it
	TokenFile string
}

// NewGmail builds a Gmail source from an OAuth client and a saved token
func NewGmail(ctx context.Context, cfg GmailConfig) (*Gmail, error) {
	if cfg.CredentialsFile == "" || cfg.TokenFile == "" {
		return nil, errors.New("gmail needs both a credentials file and a token file")
	}

	creds, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}
	oauthCfg, err := google.ConfigFromJSON(creds, gmail.GmailReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("oauth config: %w", err)
	}

	tok, err := readToken(cfg.TokenFile)
	if err != nil {
		return nil, err
	}

	ts := &savingTokenSource{
		base: oauthCfg.TokenSource(ctx, tok),
		path: cfg.TokenFile,
		last: tok.AccessToken,
	}
	svc, err := gmail.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("creating gmail service: %w", err)
	}
	return NewGmailWithService(svc), nil
}

// NewGmailWithService wraps an existing service, e.g. one pointed at a test server
func NewGmailWithService(svc *gmail.Service) *Gmail {
	return &Gmail{svc: svc}
}

// Search lists up to max message ids matching query, following page tokens
func (g *Gmail) Search(ctx context.Context, query string, max int) ([]MessageRef, error) {
	if query == "" {
		query = DefaultQuery
	}
	if max <= 0 {
		max = 10
	}

	refs := make([]MessageRef, 0, max)
	pageToken := ""
	for len(refs) < max {
		call := g.svc.Users.Messages.List("me").
			Q(query).
			MaxResults(int64(min(max-len(refs), searchPageSize))).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("searching messages: %w", err)
		}
		for _, m := range resp.Messages {
			refs = append(refs, MessageRef{ID: m.Id, ThreadID: m.ThreadId})
		}

		if resp.NextPageToken == "" || len(resp.Messages) == 0 {
			break
		}
		pageToken = resp.NextPageToken
	}

	if len(refs) > max {
		refs = refs[:max]
	}
	return refs, nil
}

// Get fetches one message in full format and parses it
func (g *Gmail) Get(ctx context.Context, id string) (*Email, error) {
	msg, err := g.svc.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("getting message %s: %w", id, err)
	}
	return ParseMessage(msg), nil
}

func readToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading token file: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("decoding token file: %w", err)
	}
	return &tok, nil
}

// savingTokenSource writes the token back to disk whenever it is refreshed
type savingTokenSource struct {
	base oauth2.TokenSource
	path string

	mu   sync.Mutex
	last string
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken == s.last {
		return tok, nil
	}
	s.last = tok.AccessToken

	data, err := json.Marshal(tok)
	if err == nil {
		err = os.WriteFile(s.path, data, 0o600)
	}
	if err != nil {
		slog.Warn("Failed to save refreshed gmail token", "path", s.path, "error", err)
	}
	return tok, nil
}
