package provider

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/google/uuid"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/serviceprincipals"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	msgraphcore "github.com/microsoftgraph/msgraph-sdk-go-core"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

const (
	graphUserPageSize = 100
	graphSPPageSize   = 100
	// Number of service principals whose app-role assignments are fetched per
	// ListGrants call during the app-role stage.
	graphRoleChunk = 20
)

// Grant-listing cursor stages. The cursor is either empty (start), a
// "grants|<odata next link>" continuation, or a "roles|<index>" position in
// the cached service-principal list.
const (
	cursorGrants = "grants|"
	cursorRoles  = "roles|"
)

// Microsoft lists Entra users and OAuth grants via Microsoft Graph. Grants
// are drawn from two consent paths: oauth2PermissionGrants (delegated and
// tenant-wide admin consent) and appRoleAssignedTo (application roles).
type Microsoft struct {
	creds *Credentials
	retry RetryPolicy

	mu     sync.Mutex
	client *msgraphsdk.GraphServiceClient
	sps    []spInfo          // service principals in listing order
	spByID map[string]spInfo // keyed by directory object id
}

// spInfo caches what grant conversion needs from a service principal.
type spInfo struct {
	ObjectID    string
	AppID       string
	DisplayName string
	Roles       map[string]string // app role id -> permission value
}

// NewMicrosoft creates a Microsoft Graph adapter from stored credentials.
func NewMicrosoft(creds *Credentials) *Microsoft {
	return &Microsoft{creds: creds, retry: DefaultRetryPolicy()}
}

func (m *Microsoft) Name() string { return ProviderMicrosoft }

// oauth2TokenCredential bridges an oauth2.TokenSource into the azcore
// TokenCredential the Graph SDK expects, so the same refresh-token flow
// serves both adapters.
type oauth2TokenCredential struct {
	src oauth2.TokenSource
}

func (c oauth2TokenCredential) GetToken(ctx context.Context, _ policy.TokenRequestOptions) (azcore.AccessToken, error) {
	tok, err := c.src.Token()
	if err != nil {
		return azcore.AccessToken{}, err
	}
	return azcore.AccessToken{Token: tok.AccessToken, ExpiresOn: tok.Expiry}, nil
}

func (m *Microsoft) graph() (*msgraphsdk.GraphServiceClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		return m.client, nil
	}

	conf := &oauth2.Config{
		ClientID:     m.creds.ClientID,
		ClientSecret: m.creds.ClientSecret,
		Endpoint:     microsoft.AzureADEndpoint(m.creds.TenantID),
	}
	src := conf.TokenSource(context.Background(), &oauth2.Token{
		AccessToken:  m.creds.AccessToken,
		RefreshToken: m.creds.RefreshToken,
		Expiry:       m.creds.Expiry,
	})

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(
		oauth2TokenCredential{src: src},
		[]string{"https://graph.microsoft.com/.default"},
	)
	if err != nil {
		return nil, &Error{Kind: KindDefinitive, Op: "msgraph.client", Err: err}
	}
	m.client = client
	return client, nil
}

// ListUsers returns one page of Entra users. The cursor is the OData next
// link of the previous page.
func (m *Microsoft) ListUsers(ctx context.Context, cursor string) (*UserPage, error) {
	client, err := m.graph()
	if err != nil {
		return nil, err
	}

	resp, err := withRetry(ctx, m.retry, "msgraph.users.list", func() (models.UserCollectionResponseable, error) {
		if cursor != "" {
			out, err := client.Users().WithUrl(cursor).Get(ctx, nil)
			if err != nil {
				return nil, graphError("msgraph.users.list", err)
			}
			return out, nil
		}
		cfg := &users.UsersRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.UsersRequestBuilderGetQueryParameters{
				Select: []string{"id", "userPrincipalName", "displayName", "mail", "department", "jobTitle"},
				Top:    int32Ptr(graphUserPageSize),
			},
		}
		out, err := client.Users().Get(ctx, cfg)
		if err != nil {
			return nil, graphError("msgraph.users.list", err)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	page := &UserPage{NextCursor: strVal(resp.GetOdataNextLink())}
	for _, u := range resp.GetValue() {
		email := strVal(u.GetMail())
		if email == "" {
			email = strVal(u.GetUserPrincipalName())
		}
		page.Users = append(page.Users, DirectoryUser{
			ID:          strVal(u.GetId()),
			Email:       email,
			DisplayName: strVal(u.GetDisplayName()),
			Title:       strVal(u.GetJobTitle()),
			Department:  strVal(u.GetDepartment()),
		})
	}
	return page, nil
}

// ListGrants pages through both Graph consent paths: first every
// oauth2PermissionGrant (delegated and AllPrincipals admin consent), then
// appRoleAssignedTo for each service principal. Tenant-wide admin consents
// are emitted with an empty UserID; the aggregator, not the adapter, decides
// which users inherit them.
func (m *Microsoft) ListGrants(ctx context.Context, cursor string) (*GrantPage, error) {
	client, err := m.graph()
	if err != nil {
		return nil, err
	}
	if err := m.ensureServicePrincipals(ctx, client); err != nil {
		return nil, err
	}

	switch {
	case cursor == "" || strings.HasPrefix(cursor, cursorGrants):
		next := strings.TrimPrefix(cursor, cursorGrants)
		return m.listPermissionGrants(ctx, client, next)
	case strings.HasPrefix(cursor, cursorRoles):
		idx, err := strconv.Atoi(strings.TrimPrefix(cursor, cursorRoles))
		if err != nil {
			return nil, &Error{Kind: KindDefinitive, Op: "msgraph.grants.cursor", Err: fmt.Errorf("malformed cursor %q", cursor)}
		}
		return m.listAppRoleAssignments(ctx, client, idx)
	default:
		return nil, &Error{Kind: KindDefinitive, Op: "msgraph.grants.cursor", Err: fmt.Errorf("malformed cursor %q", cursor)}
	}
}

// ensureServicePrincipals loads the tenant's service principals once per run.
// Grant records reference service principals by directory object id; the
// cache resolves those to the application id and display name.
func (m *Microsoft) ensureServicePrincipals(ctx context.Context, client *msgraphsdk.GraphServiceClient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.spByID != nil {
		return nil
	}

	resp, err := withRetry(ctx, m.retry, "msgraph.serviceprincipals.list", func() (models.ServicePrincipalCollectionResponseable, error) {
		cfg := &serviceprincipals.ServicePrincipalsRequestBuilderGetRequestConfiguration{
			QueryParameters: &serviceprincipals.ServicePrincipalsRequestBuilderGetQueryParameters{
				Select: []string{"id", "appId", "displayName", "appRoles"},
				Top:    int32Ptr(graphSPPageSize),
			},
		}
		out, err := client.ServicePrincipals().Get(ctx, cfg)
		if err != nil {
			return nil, graphError("msgraph.serviceprincipals.list", err)
		}
		return out, nil
	})
	if err != nil {
		return err
	}

	byID := make(map[string]spInfo)
	var ordered []spInfo

	pageIterator, err := msgraphcore.NewPageIterator[models.ServicePrincipalable](resp, client.GetAdapter(), models.CreateServicePrincipalCollectionResponseFromDiscriminatorValue)
	if err != nil {
		return &Error{Kind: KindDefinitive, Op: "msgraph.serviceprincipals.list", Err: fmt.Errorf("create page iterator: %w", err)}
	}

	err = pageIterator.Iterate(ctx, func(sp models.ServicePrincipalable) bool {
		info := spInfo{
			ObjectID:    strVal(sp.GetId()),
			AppID:       strVal(sp.GetAppId()),
			DisplayName: strVal(sp.GetDisplayName()),
			Roles:       make(map[string]string),
		}
		for _, role := range sp.GetAppRoles() {
			if role.GetId() != nil {
				info.Roles[role.GetId().String()] = strVal(role.GetValue())
			}
		}
		if info.ObjectID == "" {
			return true
		}
		byID[info.ObjectID] = info
		ordered = append(ordered, info)
		return true
	})
	if err != nil {
		return graphError("msgraph.serviceprincipals.list", err)
	}

	m.spByID = byID
	m.sps = ordered
	return nil
}

func (m *Microsoft) listPermissionGrants(ctx context.Context, client *msgraphsdk.GraphServiceClient, next string) (*GrantPage, error) {
	resp, err := withRetry(ctx, m.retry, "msgraph.oauth2grants.list", func() (models.OAuth2PermissionGrantCollectionResponseable, error) {
		if next != "" {
			out, err := client.Oauth2PermissionGrants().WithUrl(next).Get(ctx, nil)
			if err != nil {
				return nil, graphError("msgraph.oauth2grants.list", err)
			}
			return out, nil
		}
		out, err := client.Oauth2PermissionGrants().Get(ctx, nil)
		if err != nil {
			return nil, graphError("msgraph.oauth2grants.list", err)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	page := &GrantPage{}
	for _, grant := range resp.GetValue() {
		tok, ok := m.convertPermissionGrant(grant)
		if !ok {
			continue
		}
		page.Tokens = append(page.Tokens, tok)
	}

	if link := strVal(resp.GetOdataNextLink()); link != "" {
		page.NextCursor = cursorGrants + link
	} else if len(m.sps) > 0 {
		// Grants exhausted; continue with the app-role consent path.
		page.NextCursor = cursorRoles + "0"
	}
	return page, nil
}

// convertPermissionGrant normalizes one oauth2PermissionGrant. AllPrincipals
// consent applies tenant-wide: it carries no user and must never be expanded
// to individual users here.
func (m *Microsoft) convertPermissionGrant(grant models.OAuth2PermissionGrantable) (Token, bool) {
	sp, ok := m.spByID[strVal(grant.GetClientId())]
	if !ok {
		return Token{}, false
	}

	tok := Token{
		AppID:   sp.AppID,
		AppName: sp.DisplayName,
		Scopes:  SplitScopeString(strVal(grant.GetScope())),
	}
	if strings.EqualFold(strVal(grant.GetConsentType()), "AllPrincipals") {
		tok.Consent = ConsentAdmin
		return tok, true
	}
	tok.Consent = ConsentDelegated
	tok.UserID = strVal(grant.GetPrincipalId())
	if tok.UserID == "" {
		return Token{}, false
	}
	return tok, true
}

// listAppRoleAssignments fetches appRoleAssignedTo for a chunk of service
// principals starting at idx, following each collection's next links until
// exhausted. A 404 for a single service principal means it has no assignment
// sub-resource and is skipped.
func (m *Microsoft) listAppRoleAssignments(ctx context.Context, client *msgraphsdk.GraphServiceClient, idx int) (*GrantPage, error) {
	page := &GrantPage{}

	end := idx + graphRoleChunk
	if end > len(m.sps) {
		end = len(m.sps)
	}

	for _, sp := range m.sps[idx:end] {
		resp, err := withRetry(ctx, m.retry, "msgraph.approles.list", func() (models.AppRoleAssignmentCollectionResponseable, error) {
			out, err := client.ServicePrincipals().ByServicePrincipalId(sp.ObjectID).AppRoleAssignedTo().Get(ctx, nil)
			if err != nil {
				return nil, graphError("msgraph.approles.list", err)
			}
			return out, nil
		})
		if err != nil {
			var pe *Error
			if errors.As(err, &pe) && pe.Kind == KindDefinitive && pe.Status == 404 {
				continue
			}
			return nil, err
		}

		pageIterator, err := msgraphcore.NewPageIterator[models.AppRoleAssignmentable](resp, client.GetAdapter(), models.CreateAppRoleAssignmentCollectionResponseFromDiscriminatorValue)
		if err != nil {
			return nil, &Error{Kind: KindDefinitive, Op: "msgraph.approles.list", Err: fmt.Errorf("create page iterator: %w", err)}
		}
		err = pageIterator.Iterate(ctx, func(assignment models.AppRoleAssignmentable) bool {
			if tok, ok := m.convertAppRoleAssignment(sp, assignment); ok {
				page.Tokens = append(page.Tokens, tok)
			}
			return true
		})
		if err != nil {
			return nil, graphError("msgraph.approles.list", err)
		}
	}

	if end < len(m.sps) {
		page.NextCursor = cursorRoles + strconv.Itoa(end)
	}
	return page, nil
}

// convertAppRoleAssignment maps one appRoleAssignedTo record to a Token.
// Only user principals are kept; the assigned role id is resolved to its
// scope value through the service principal's role table.
func (m *Microsoft) convertAppRoleAssignment(sp spInfo, assignment models.AppRoleAssignmentable) (Token, bool) {
	if !strings.EqualFold(strVal(assignment.GetPrincipalType()), "User") {
		return Token{}, false
	}
	tok := Token{
		AppID:   sp.AppID,
		AppName: sp.DisplayName,
		UserID:  uuidVal(assignment.GetPrincipalId()),
		Consent: ConsentAppRole,
	}
	if tok.UserID == "" {
		return Token{}, false
	}
	if roleID := uuidVal(assignment.GetAppRoleId()); roleID != "" {
		if value := sp.Roles[roleID]; value != "" {
			tok.Scopes = NormalizeScopes([]string{value})
		}
	}
	return tok, true
}

// graphError translates a Graph SDK error into the typed taxonomy.
func graphError(op string, err error) error {
	var oerr *odataerrors.ODataError
	if errors.As(err, &oerr) {
		status := oerr.ResponseStatusCode
		return &Error{Kind: kindForStatus(status), Op: op, Status: status, Err: err}
	}
	if IsTransient(err) {
		return &Error{Kind: KindTransient, Op: op, Err: err}
	}
	return &Error{Kind: KindDefinitive, Op: op, Err: fmt.Errorf("graph api: %w", err)}
}

func strVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func uuidVal(u *uuid.UUID) string {
	if u == nil {
		return ""
	}
	return u.String()
}

func int32Ptr(i int32) *int32 { return &i }
