// Package provider implements mail provider adapters.
package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"replica_server/core/domain"
	"replica_server/core/port/out"
	"replica_server/pkg/logger"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Gmail continuation scheme: a bare decimal is a history ID, "p:" prefixes a
// bootstrap page token, and "ts:" is the shared timestamp fallback. Page
// tokens are bound to the query that started the listing, so the query rides
// along after a "|" separator (Gmail tokens never contain one).
const gmailPageTokenPrefix = "p:"

// gmailPageSize is the per-request list size; runs larger than this paginate.
const gmailPageSize = 100

// GmailAdapter implements out.EmailProviderPort for Gmail.
type GmailAdapter struct {
	config *oauth2.Config
	cb     *gobreaker.CircuitBreaker
	log    *logger.Logger
}

// GmailConfig holds Gmail OAuth configuration.
type GmailConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// NewGmailAdapter creates a new Gmail adapter.
func NewGmailAdapter(cfg *GmailConfig) *GmailAdapter {
	config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes: []string{
			gmail.GmailReadonlyScope,
		},
		Endpoint: google.Endpoint,
	}

	adapterLog := logger.WithField("component", "gmail")

	cbSettings := gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			adapterLog.Warn("circuit breaker %s: %s -> %s", name, from.String(), to.String())
		},
	}

	return &GmailAdapter{
		config: config,
		cb:     gobreaker.NewCircuitBreaker(cbSettings),
		log:    adapterLog,
	}
}

// ProviderType returns the provider key.
func (a *GmailAdapter) ProviderType() domain.Provider {
	return domain.ProviderGmail
}

// =============================================================================
// Authentication
// =============================================================================

// Authenticate exchanges an authorization code for tokens.
func (a *GmailAdapter) Authenticate(ctx context.Context, code, redirectURI string) (*out.AuthResult, error) {
	config := a.config
	if redirectURI != "" && redirectURI != config.RedirectURL {
		clone := *config
		clone.RedirectURL = redirectURI
		config = &clone
	}

	token, err := config.Exchange(ctx, code, oauth2.AccessTypeOffline)
	if err != nil {
		return nil, a.wrapError(err, "failed to exchange code")
	}
	return authResultFromToken(token), nil
}

// RefreshToken exchanges a refresh token for a fresh access token.
func (a *GmailAdapter) RefreshToken(ctx context.Context, refreshToken string) (*out.AuthResult, error) {
	src := a.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := src.Token()
	if err != nil {
		return nil, a.wrapError(err, "failed to refresh token")
	}
	return authResultFromToken(token), nil
}

// TestConnection performs a profile call with the token. A 401 reports
// (false, nil) so the caller can move the account to needs-reauth.
func (a *GmailAdapter) TestConnection(ctx context.Context, accessToken string) (bool, error) {
	svc, err := a.getService(ctx, accessToken)
	if err != nil {
		return false, err
	}

	err = a.execute(ctx, "get_profile", func() error {
		_, err := svc.Users.GetProfile("me").Context(ctx).Do()
		return err
	})
	if err != nil {
		if apiErr, ok := err.(*googleapi.Error); ok && apiErr.Code == 401 {
			return false, nil
		}
		return false, a.wrapError(err, "failed to test connection")
	}
	return true, nil
}

// GetUserInfo returns the mailbox address.
func (a *GmailAdapter) GetUserInfo(ctx context.Context, accessToken string) (*out.UserInfo, error) {
	svc, err := a.getService(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	profile, err := svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return nil, a.wrapError(err, "failed to get profile")
	}
	return &out.UserInfo{Email: profile.EmailAddress}, nil
}

// =============================================================================
// Sync
// =============================================================================

// SyncEmails fetches one page. Continuation dispatch: a bare decimal resumes
// from a history ID, "p:" resumes bootstrap pagination, "ts:" runs a dated
// query, empty bootstraps the mailbox.
func (a *GmailAdapter) SyncEmails(ctx context.Context, accessToken string, settings out.SyncSettings, continuation string) (*out.SyncPage, error) {
	svc, err := a.getService(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	if continuation != "" {
		if historyID, err := strconv.ParseUint(continuation, 10, 64); err == nil {
			return a.historySync(ctx, svc, historyID)
		}
	}

	query := ""
	pageToken := ""
	switch {
	case strings.HasPrefix(continuation, gmailPageTokenPrefix):
		pageToken, query = parsePageContinuation(continuation)
	case continuation != "":
		since, ok := out.ParseTimestampToken(continuation)
		if !ok {
			return nil, out.NewProviderError("gmail", out.ProviderErrSyncRequired,
				"unrecognized continuation token", nil, false)
		}
		query = fmt.Sprintf("after:%s", since.Format("2006/01/02"))
	}

	return a.listSync(ctx, svc, settings, query, pageToken)
}

// listSync runs one Messages.List page and converts its messages.
func (a *GmailAdapter) listSync(ctx context.Context, svc *gmail.Service, settings out.SyncSettings, query, pageToken string) (*out.SyncPage, error) {
	pageSize := int64(gmailPageSize)
	if settings.MaxEmails > 0 && int64(settings.MaxEmails) < pageSize {
		pageSize = int64(settings.MaxEmails)
	}

	req := svc.Users.Messages.List("me").MaxResults(pageSize)
	if query != "" {
		req = req.Q(query)
	}
	if pageToken != "" {
		req = req.PageToken(pageToken)
	}

	var resp *gmail.ListMessagesResponse
	err := a.execute(ctx, "list_messages", func() error {
		var err error
		resp, err = req.Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, a.wrapError(err, "failed to list messages")
	}

	emails := a.fetchMessages(ctx, svc, resp.Messages)

	if resp.NextPageToken != "" {
		return &out.SyncPage{
			Emails:           emails,
			NextContinuation: encodePageContinuation(resp.NextPageToken, query),
			HasMore:          true,
		}, nil
	}

	// Window exhausted; hand back the mailbox history ID so the next run
	// goes incremental.
	profile, err := svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return nil, a.wrapError(err, "failed to get profile")
	}
	return &out.SyncPage{
		Emails:           emails,
		NextContinuation: strconv.FormatUint(profile.HistoryId, 10),
		HasMore:          false,
	}, nil
}

// encodePageContinuation packs a page token with the query it belongs to.
func encodePageContinuation(pageToken, query string) string {
	if query == "" {
		return gmailPageTokenPrefix + pageToken
	}
	return gmailPageTokenPrefix + pageToken + "|" + query
}

// parsePageContinuation splits a "p:" continuation back into token and query.
func parsePageContinuation(continuation string) (pageToken, query string) {
	raw := strings.TrimPrefix(continuation, gmailPageTokenPrefix)
	if i := strings.IndexByte(raw, '|'); i >= 0 {
		return raw[:i], raw[i+1:]
	}
	return raw, ""
}

// historySync fetches messages added since the stored history ID. A 404
// means Gmail expired the history window and a full re-sync is required.
func (a *GmailAdapter) historySync(ctx context.Context, svc *gmail.Service, historyID uint64) (*out.SyncPage, error) {
	var resp *gmail.ListHistoryResponse
	err := a.execute(ctx, "list_history", func() error {
		var err error
		resp, err = svc.Users.History.List("me").StartHistoryId(historyID).Context(ctx).Do()
		return err
	})
	if err != nil {
		if apiErr, ok := err.(*googleapi.Error); ok && apiErr.Code == 404 {
			return nil, out.NewProviderError("gmail", out.ProviderErrSyncRequired,
				"history expired, full sync required", err, false)
		}
		return nil, a.wrapError(err, "failed to list history")
	}

	seen := make(map[string]bool)
	var refs []*gmail.Message
	for _, h := range resp.History {
		for _, added := range h.MessagesAdded {
			if !seen[added.Message.Id] {
				seen[added.Message.Id] = true
				refs = append(refs, added.Message)
			}
		}
	}

	return &out.SyncPage{
		Emails:           a.fetchMessages(ctx, svc, refs),
		NextContinuation: strconv.FormatUint(resp.HistoryId, 10),
		HasMore:          false,
	}, nil
}

// fetchMessages loads full messages for the listed refs. Individual fetch
// failures are logged and skipped so one bad message never sinks the page.
func (a *GmailAdapter) fetchMessages(ctx context.Context, svc *gmail.Service, refs []*gmail.Message) []domain.SyncedEmail {
	emails := make([]domain.SyncedEmail, 0, len(refs))
	for _, ref := range refs {
		var msg *gmail.Message
		err := a.execute(ctx, "get_message", func() error {
			var err error
			msg, err = svc.Users.Messages.Get("me", ref.Id).Format("full").Context(ctx).Do()
			return err
		})
		if err != nil {
			a.log.Warn("failed to fetch message %s: %v", ref.Id, err)
			continue
		}
		emails = append(emails, a.convertMessage(msg))
	}
	return emails
}

// =============================================================================
// Conversion
// =============================================================================

func (a *GmailAdapter) convertMessage(msg *gmail.Message) domain.SyncedEmail {
	email := domain.SyncedEmail{
		MessageID: msg.Id,
		ThreadID:  msg.ThreadId,
		Labels:    msg.LabelIds,
		IsRead:    true,
	}
	for _, label := range msg.LabelIds {
		if label == "UNREAD" {
			email.IsRead = false
			break
		}
	}

	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			switch h.Name {
			case "Subject":
				email.Subject = h.Value
			case "From":
				email.From = parseAddress(h.Value)
			case "To":
				email.To = parseAddresses(h.Value)
			case "Cc":
				email.CC = parseAddresses(h.Value)
			case "Date":
				if t, err := mail.ParseDate(h.Value); err == nil {
					email.SentAt = t
				}
			}
		}
		extractBody(msg.Payload, &email)
		email.Attachments = extractAttachments(msg.Payload)
	}

	email.ReceivedAt = time.UnixMilli(msg.InternalDate)
	if email.SentAt.IsZero() {
		email.SentAt = email.ReceivedAt
	}
	return email
}

func extractBody(part *gmail.MessagePart, email *domain.SyncedEmail) {
	if part == nil {
		return
	}

	if part.Body != nil && part.Body.Data != "" {
		switch part.MimeType {
		case "text/plain":
			if data, err := base64.URLEncoding.DecodeString(part.Body.Data); err == nil {
				email.Text = string(data)
			}
		case "text/html":
			if data, err := base64.URLEncoding.DecodeString(part.Body.Data); err == nil {
				email.HTML = string(data)
			}
		}
	}

	for _, p := range part.Parts {
		extractBody(p, email)
	}
}

func extractAttachments(part *gmail.MessagePart) []domain.AttachmentMeta {
	var attachments []domain.AttachmentMeta

	if part.Filename != "" {
		att := domain.AttachmentMeta{
			Filename: part.Filename,
			MimeType: part.MimeType,
		}
		if part.Body != nil {
			att.ID = part.Body.AttachmentId
			att.Size = part.Body.Size
		}
		attachments = append(attachments, att)
	}

	for _, p := range part.Parts {
		attachments = append(attachments, extractAttachments(p)...)
	}
	return attachments
}

func parseAddress(s string) domain.EmailAddress {
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return domain.EmailAddress{Email: s}
	}
	return domain.EmailAddress{Name: addr.Name, Email: addr.Address}
}

func parseAddresses(s string) []domain.EmailAddress {
	list, err := mail.ParseAddressList(s)
	if err != nil {
		if s != "" {
			return []domain.EmailAddress{{Email: s}}
		}
		return nil
	}

	result := make([]domain.EmailAddress, len(list))
	for i, addr := range list {
		result[i] = domain.EmailAddress{Name: addr.Name, Email: addr.Address}
	}
	return result
}

// =============================================================================
// Plumbing
// =============================================================================

func (a *GmailAdapter) getService(ctx context.Context, accessToken string) (*gmail.Service, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}

	svc, err := gmail.NewService(ctx, option.WithTokenSource(
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}),
	))
	if err != nil {
		return nil, a.wrapError(err, "failed to create gmail service")
	}
	return svc, nil
}

// execute wraps an API call with the circuit breaker so sustained Gmail
// outages fail fast instead of piling up.
func (a *GmailAdapter) execute(ctx context.Context, operation string, fn func() error) error {
	_, err := a.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return out.NewProviderError("gmail", out.ProviderErrServer,
			fmt.Sprintf("circuit open for %s", operation), err, true)
	}
	return err
}

func (a *GmailAdapter) wrapError(err error, defaultMsg string) error {
	if err == nil {
		return nil
	}

	if apiErr, ok := err.(*googleapi.Error); ok {
		switch apiErr.Code {
		case 401:
			return out.NewProviderError("gmail", out.ProviderErrTokenExpired, "token expired", err, false)
		case 403:
			if strings.Contains(apiErr.Message, "Rate Limit") {
				return out.NewProviderError("gmail", out.ProviderErrRateLimit, "rate limit exceeded", err, true)
			}
			return out.NewProviderError("gmail", out.ProviderErrAuth, "access denied", err, false)
		case 404:
			return out.NewProviderError("gmail", out.ProviderErrNotFound, "not found", err, false)
		case 429:
			return out.NewProviderError("gmail", out.ProviderErrRateLimit, "too many requests", err, true)
		case 500, 502, 503:
			return out.NewProviderError("gmail", out.ProviderErrServer, "server error", err, true)
		}
	}

	return out.NewProviderError("gmail", out.ProviderErrServer, defaultMsg, err, true)
}

func authResultFromToken(token *oauth2.Token) *out.AuthResult {
	return &out.AuthResult{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
	}
}

var _ out.EmailProviderPort = (*GmailAdapter)(nil)
