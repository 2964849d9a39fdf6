package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"replica_server/core/domain"
	"replica_server/core/port/out"
	"replica_server/pkg/logger"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

const graphBaseURL = "https://graph.microsoft.com/v1.0"

const graphMessageSelect = "id,conversationId,subject,bodyPreview,body,from,toRecipients,ccRecipients,isRead,hasAttachments,sentDateTime,receivedDateTime,categories"

// OutlookAdapter implements out.EmailProviderPort for Microsoft Graph.
// Continuation scheme: a Graph URL (nextLink or deltaLink) resumes where the
// API left off, "ts:" runs a dated filter, empty bootstraps the mailbox.
type OutlookAdapter struct {
	config *oauth2.Config
	log    *logger.Logger
}

// OutlookConfig holds Microsoft OAuth configuration.
type OutlookConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	TenantID     string
}

// NewOutlookAdapter creates a new Outlook adapter.
func NewOutlookAdapter(cfg *OutlookConfig) *OutlookAdapter {
	tenantID := cfg.TenantID
	if tenantID == "" {
		tenantID = "common"
	}

	config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes: []string{
			"https://graph.microsoft.com/Mail.Read",
			"https://graph.microsoft.com/User.Read",
			"offline_access",
		},
		Endpoint: microsoft.AzureADEndpoint(tenantID),
	}

	return &OutlookAdapter{
		config: config,
		log:    logger.WithField("component", "outlook"),
	}
}

// ProviderType returns the provider key.
func (a *OutlookAdapter) ProviderType() domain.Provider {
	return domain.ProviderOutlook
}

// =============================================================================
// Authentication
// =============================================================================

// Authenticate exchanges an authorization code for tokens.
func (a *OutlookAdapter) Authenticate(ctx context.Context, code, redirectURI string) (*out.AuthResult, error) {
	config := a.config
	if redirectURI != "" && redirectURI != config.RedirectURL {
		clone := *config
		clone.RedirectURL = redirectURI
		config = &clone
	}

	token, err := config.Exchange(ctx, code)
	if err != nil {
		return nil, a.wrapError(err, "failed to exchange code")
	}
	return authResultFromToken(token), nil
}

// RefreshToken exchanges a refresh token for a fresh access token.
func (a *OutlookAdapter) RefreshToken(ctx context.Context, refreshToken string) (*out.AuthResult, error) {
	src := a.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := src.Token()
	if err != nil {
		return nil, a.wrapError(err, "failed to refresh token")
	}
	return authResultFromToken(token), nil
}

// TestConnection performs a /me call. A 401 reports (false, nil).
func (a *OutlookAdapter) TestConnection(ctx context.Context, accessToken string) (bool, error) {
	client := a.client(ctx, accessToken)

	resp, err := client.Get(graphBaseURL + "/me")
	if err != nil {
		return false, a.wrapError(err, "failed to test connection")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return false, nil
	}
	return resp.StatusCode == http.StatusOK, nil
}

// GetUserInfo returns the mailbox owner's address and display name.
func (a *OutlookAdapter) GetUserInfo(ctx context.Context, accessToken string) (*out.UserInfo, error) {
	client := a.client(ctx, accessToken)

	var user struct {
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
		DisplayName       string `json:"displayName"`
	}
	if err := a.doGet(client, graphBaseURL+"/me", &user); err != nil {
		return nil, err
	}

	email := user.Mail
	if email == "" {
		email = user.UserPrincipalName
	}
	return &out.UserInfo{Email: email, Name: user.DisplayName}, nil
}

// =============================================================================
// Sync
// =============================================================================

// SyncEmails fetches one page. Graph URLs resume the API's own pagination or
// delta stream; anything else starts a fresh query.
func (a *OutlookAdapter) SyncEmails(ctx context.Context, accessToken string, settings out.SyncSettings, continuation string) (*out.SyncPage, error) {
	client := a.client(ctx, accessToken)

	if strings.HasPrefix(continuation, "http") {
		return a.deltaSync(client, continuation)
	}

	params := url.Values{}
	top := 100
	if settings.MaxEmails > 0 && settings.MaxEmails < top {
		top = settings.MaxEmails
	}
	params.Set("$top", fmt.Sprintf("%d", top))
	params.Set("$orderby", "receivedDateTime desc")
	params.Set("$select", graphMessageSelect)

	if continuation != "" {
		since, ok := out.ParseTimestampToken(continuation)
		if !ok {
			return nil, out.NewProviderError("outlook", out.ProviderErrSyncRequired,
				"unrecognized continuation token", nil, false)
		}
		params.Set("$filter", fmt.Sprintf("receivedDateTime ge %s", since.UTC().Format(time.RFC3339)))
	}

	return a.listSync(client, graphBaseURL+"/me/messages?"+params.Encode())
}

// listSync fetches one list page. A nextLink continues the same query; an
// exhausted window hands back a delta link so the next run goes incremental.
func (a *OutlookAdapter) listSync(client *http.Client, pageURL string) (*out.SyncPage, error) {
	var resp struct {
		Value    []graphMessage `json:"value"`
		NextLink string         `json:"@odata.nextLink"`
	}
	if err := a.doGet(client, pageURL, &resp); err != nil {
		return nil, err
	}

	emails := make([]domain.SyncedEmail, 0, len(resp.Value))
	for i := range resp.Value {
		emails = append(emails, convertGraphMessage(&resp.Value[i]))
	}

	if resp.NextLink != "" {
		return &out.SyncPage{
			Emails:           emails,
			NextContinuation: resp.NextLink,
			HasMore:          true,
		}, nil
	}

	deltaLink, err := a.getDeltaLink(client)
	if err != nil {
		a.log.Warn("failed to obtain delta link: %v", err)
		deltaLink = ""
	}
	return &out.SyncPage{
		Emails:           emails,
		NextContinuation: deltaLink,
		HasMore:          false,
	}, nil
}

// deltaSync follows a stored nextLink or deltaLink. A 410 from Graph means
// the delta token expired and a full re-sync is required.
func (a *OutlookAdapter) deltaSync(client *http.Client, link string) (*out.SyncPage, error) {
	var resp struct {
		Value     []graphMessage `json:"value"`
		NextLink  string         `json:"@odata.nextLink"`
		DeltaLink string         `json:"@odata.deltaLink"`
	}
	if err := a.doGet(client, link, &resp); err != nil {
		if out.IsSyncRequired(err) || strings.Contains(err.Error(), "resyncRequired") {
			return nil, out.NewProviderError("outlook", out.ProviderErrSyncRequired,
				"delta token expired, full sync required", err, false)
		}
		return nil, err
	}

	emails := make([]domain.SyncedEmail, 0, len(resp.Value))
	for i := range resp.Value {
		if resp.Value[i].Removed != nil {
			continue
		}
		emails = append(emails, convertGraphMessage(&resp.Value[i]))
	}

	next := resp.DeltaLink
	hasMore := false
	if resp.NextLink != "" {
		next = resp.NextLink
		hasMore = true
	}
	return &out.SyncPage{
		Emails:           emails,
		NextContinuation: next,
		HasMore:          hasMore,
	}, nil
}

func (a *OutlookAdapter) getDeltaLink(client *http.Client) (string, error) {
	link := graphBaseURL + "/me/mailFolders/inbox/messages/delta?$top=1"
	for link != "" {
		var resp struct {
			NextLink  string `json:"@odata.nextLink"`
			DeltaLink string `json:"@odata.deltaLink"`
		}
		if err := a.doGet(client, link, &resp); err != nil {
			return "", err
		}
		if resp.DeltaLink != "" {
			return resp.DeltaLink, nil
		}
		link = resp.NextLink
	}
	return "", fmt.Errorf("delta stream ended without a delta link")
}

// =============================================================================
// Conversion
// =============================================================================

func convertGraphMessage(msg *graphMessage) domain.SyncedEmail {
	email := domain.SyncedEmail{
		MessageID: msg.ID,
		ThreadID:  msg.ConversationID,
		Subject:   msg.Subject,
		IsRead:    msg.IsRead,
		Labels:    msg.Categories,
	}

	email.From = domain.EmailAddress{
		Name:  msg.From.EmailAddress.Name,
		Email: msg.From.EmailAddress.Address,
	}
	for _, r := range msg.ToRecipients {
		email.To = append(email.To, domain.EmailAddress{
			Name:  r.EmailAddress.Name,
			Email: r.EmailAddress.Address,
		})
	}
	for _, r := range msg.CcRecipients {
		email.CC = append(email.CC, domain.EmailAddress{
			Name:  r.EmailAddress.Name,
			Email: r.EmailAddress.Address,
		})
	}

	switch strings.ToLower(msg.Body.ContentType) {
	case "html":
		email.HTML = msg.Body.Content
		email.Text = msg.BodyPreview
	default:
		email.Text = msg.Body.Content
	}

	if t, err := time.Parse(time.RFC3339, msg.SentDateTime); err == nil {
		email.SentAt = t
	}
	if t, err := time.Parse(time.RFC3339, msg.ReceivedDateTime); err == nil {
		email.ReceivedAt = t
	}
	if email.SentAt.IsZero() {
		email.SentAt = email.ReceivedAt
	}
	return email
}

// =============================================================================
// Internal Helpers
// =============================================================================

func (a *OutlookAdapter) client(ctx context.Context, accessToken string) *http.Client {
	return a.config.Client(ctx, &oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
}

func (a *OutlookAdapter) doGet(client *http.Client, url string, result any) error {
	resp, err := client.Get(url)
	if err != nil {
		return a.wrapError(err, "request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return a.wrapHTTPError(resp.StatusCode, string(body))
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(result)
	}
	return nil
}

func (a *OutlookAdapter) wrapError(err error, defaultMsg string) error {
	if err == nil {
		return nil
	}
	return out.NewProviderError("outlook", out.ProviderErrNetwork, defaultMsg, err, true)
}

func (a *OutlookAdapter) wrapHTTPError(statusCode int, body string) error {
	switch statusCode {
	case 401:
		return out.NewProviderError("outlook", out.ProviderErrTokenExpired, "token expired", nil, false)
	case 403:
		return out.NewProviderError("outlook", out.ProviderErrAuth, "access denied", nil, false)
	case 404:
		return out.NewProviderError("outlook", out.ProviderErrNotFound, "not found", nil, false)
	case 410:
		return out.NewProviderError("outlook", out.ProviderErrSyncRequired, "full sync required", nil, false)
	case 429:
		return out.NewProviderError("outlook", out.ProviderErrRateLimit, "too many requests", nil, true)
	default:
		return out.NewProviderError("outlook", out.ProviderErrServer,
			fmt.Sprintf("HTTP %d: %s", statusCode, body), nil, true)
	}
}

// Graph API types

type graphMessage struct {
	ID               string            `json:"id"`
	ConversationID   string            `json:"conversationId"`
	Subject          string            `json:"subject"`
	BodyPreview      string            `json:"bodyPreview"`
	Body             graphBody         `json:"body"`
	From             graphRecipient    `json:"from"`
	ToRecipients     []graphRecipient  `json:"toRecipients"`
	CcRecipients     []graphRecipient  `json:"ccRecipients"`
	IsRead           bool              `json:"isRead"`
	HasAttachments   bool              `json:"hasAttachments"`
	Categories       []string          `json:"categories"`
	SentDateTime     string            `json:"sentDateTime"`
	ReceivedDateTime string            `json:"receivedDateTime"`
	Removed          *graphRemovedInfo `json:"@removed,omitempty"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphRecipient struct {
	EmailAddress graphEmailAddress `json:"emailAddress"`
}

type graphEmailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

type graphRemovedInfo struct {
	Reason string `json:"reason"`
}

var _ out.EmailProviderPort = (*OutlookAdapter)(nil)
