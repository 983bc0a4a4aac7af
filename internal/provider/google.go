package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	admin "google.golang.org/api/admin/directory/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	googleUserPageSize = 100
	// Per-minute quotas on the Directory tokens endpoint are tight; keep the
	// per-page fan-out small.
	googleTokenFanOut = 5
)

// Google lists Workspace users via the Admin SDK Directory API and their
// OAuth grants via the per-user tokens endpoint.
type Google struct {
	creds *Credentials
	retry RetryPolicy

	mu  sync.Mutex
	svc *admin.Service
}

// NewGoogle creates a Google Workspace adapter from stored credentials.
func NewGoogle(creds *Credentials) *Google {
	return &Google{creds: creds, retry: DefaultRetryPolicy()}
}

func (g *Google) Name() string { return ProviderGoogle }

// service lazily builds the Directory client on an auto-refreshing token
// source, so an expired access token is replaced mid-run via the refresh
// token instead of failing the phase.
func (g *Google) service(ctx context.Context) (*admin.Service, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.svc != nil {
		return g.svc, nil
	}

	conf := &oauth2.Config{
		ClientID:     g.creds.ClientID,
		ClientSecret: g.creds.ClientSecret,
		Endpoint:     google.Endpoint,
	}
	ts := conf.TokenSource(ctx, &oauth2.Token{
		AccessToken:  g.creds.AccessToken,
		RefreshToken: g.creds.RefreshToken,
		Expiry:       g.creds.Expiry,
	})

	svc, err := admin.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, &Error{Kind: KindDefinitive, Op: "google.service", Err: err}
	}
	g.svc = svc
	return svc, nil
}

// ListUsers returns one page of directory users. The cursor is the Directory
// API page token.
func (g *Google) ListUsers(ctx context.Context, cursor string) (*UserPage, error) {
	svc, err := g.service(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := withRetry(ctx, g.retry, "google.users.list", func() (*admin.Users, error) {
		call := svc.Users.List().Customer("my_customer").MaxResults(googleUserPageSize).OrderBy("email").Context(ctx)
		if cursor != "" {
			call = call.PageToken(cursor)
		}
		out, err := call.Do()
		if err != nil {
			return nil, googleError("google.users.list", err)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	page := &UserPage{NextCursor: resp.NextPageToken}
	for _, u := range resp.Users {
		du := DirectoryUser{
			ID:    u.Id,
			Email: u.PrimaryEmail,
		}
		if u.Name != nil {
			du.DisplayName = u.Name.FullName
		}
		du.Title, du.Department = userOrgFields(u.Organizations)
		page.Users = append(page.Users, du)
	}
	return page, nil
}

// ListGrants returns the OAuth tokens of one page of users. The cursor is the
// directory users page token: each call lists one user page and fans out the
// per-user token listing with bounded concurrency.
func (g *Google) ListGrants(ctx context.Context, cursor string) (*GrantPage, error) {
	svc, err := g.service(ctx)
	if err != nil {
		return nil, err
	}

	users, err := g.ListUsers(ctx, cursor)
	if err != nil {
		return nil, err
	}

	type result struct {
		tokens []Token
		err    error
	}

	sem := make(chan struct{}, googleTokenFanOut)
	results := make([]result, len(users.Users))
	var wg sync.WaitGroup

	for i, u := range users.Users {
		wg.Add(1)
		go func(i int, u DirectoryUser) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			tokens, err := g.listUserTokens(ctx, svc, u)
			results[i] = result{tokens: tokens, err: err}
		}(i, u)
	}
	wg.Wait()

	page := &GrantPage{NextCursor: users.NextCursor}
	for _, r := range results {
		if r.err != nil {
			return nil, r.err
		}
		page.Tokens = append(page.Tokens, r.tokens...)
	}
	return page, nil
}

// listUserTokens fetches one user's authorized tokens. A 404 means the user
// has no token sub-resource and yields an empty result, not an error.
func (g *Google) listUserTokens(ctx context.Context, svc *admin.Service, u DirectoryUser) ([]Token, error) {
	resp, err := withRetry(ctx, g.retry, "google.tokens.list", func() (*admin.Tokens, error) {
		out, err := svc.Tokens.List(u.ID).Context(ctx).Do()
		if err != nil {
			return nil, googleError("google.tokens.list", err)
		}
		return out, nil
	})
	if err != nil {
		var pe *Error
		if errors.As(err, &pe) && pe.Kind == KindDefinitive && pe.Status == 404 {
			return nil, nil
		}
		return nil, err
	}

	var tokens []Token
	for _, item := range resp.Items {
		if item == nil || item.ClientId == "" {
			continue
		}
		tokens = append(tokens, Token{
			AppID:   item.ClientId,
			AppName: item.DisplayText,
			UserID:  u.ID,
			Scopes:  NormalizeScopes(item.Scopes),
			Consent: ConsentDelegated,
		})
	}
	return tokens, nil
}

// userOrgFields extracts title and department from a directory user's
// organizations attribute. The Admin SDK types the field as interface{}
// (a raw JSON array of org objects), so it is decoded through a round trip
// into a typed shape. The primary entry comes first.
func userOrgFields(orgs interface{}) (title, department string) {
	if orgs == nil {
		return "", ""
	}
	raw, err := json.Marshal(orgs)
	if err != nil {
		return "", ""
	}
	var decoded []struct {
		Title      string `json:"title"`
		Department string `json:"department"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil || len(decoded) == 0 {
		return "", ""
	}
	return decoded[0].Title, decoded[0].Department
}

// googleError translates a Directory API error into the typed taxonomy.
func googleError(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return &Error{Kind: kindForStatus(gerr.Code), Op: op, Status: gerr.Code, Err: err}
	}
	if IsTransient(err) {
		return &Error{Kind: KindTransient, Op: op, Err: err}
	}
	return &Error{Kind: KindDefinitive, Op: op, Err: fmt.Errorf("directory api: %w", err)}
}
