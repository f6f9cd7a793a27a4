package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	pcal "pickupcal/internal/calendar"
	"pickupcal/internal/models"
)

const (
	credentialsFile = "credentials.json"
	subscribeURL    = "https://calendar.google.com/calendar/render?cid="
)

// CalendarClient is a calendar.Provider backed by the Google Calendar API.
type CalendarClient struct {
	service  *calendar.Service
	logger   *slog.Logger
	timeZone string
}

var _ pcal.Provider = (*CalendarClient)(nil)

// Credentials selects how the client authenticates. A service account key
// wins over the OAuth token flow.
type Credentials struct {
	ClientID           string
	ClientSecret       string
	TokenFile          string
	ServiceAccountFile string
}

// NewClient creates a new Google Calendar client.
// It handles loading credentials and setting up an authenticated HTTP client.
func NewClient(ctx context.Context, logger *slog.Logger, creds Credentials, timeZone string) (*CalendarClient, error) {
	var opt option.ClientOption
	if creds.ServiceAccountFile != "" {
		b, err := os.ReadFile(creds.ServiceAccountFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read service account key: %w", err)
		}
		jwt, err := google.JWTConfigFromJSON(b, calendar.CalendarScope)
		if err != nil {
			return nil, fmt.Errorf("failed to parse service account key: %w", err)
		}
		opt = option.WithHTTPClient(jwt.Client(ctx))
	} else {
		config, err := getOAuthConfig(creds.ClientID, creds.ClientSecret)
		if err != nil {
			return nil, fmt.Errorf("failed to get OAuth config: %w", err)
		}
		token, err := tokenFromFile(creds.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("could not load token %s: %w. Please run the 'auth' command first", creds.TokenFile, err)
		}
		opt = option.WithHTTPClient(config.Client(ctx, token))
	}

	service, err := calendar.NewService(ctx, opt)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return &CalendarClient{service: service, logger: logger, timeZone: timeZone}, nil
}

func (c *CalendarClient) CreateCalendar(ctx context.Context, title, description string) (string, error) {
	created, err := c.service.Calendars.Insert(&calendar.Calendar{
		Summary:     title,
		Description: description,
		TimeZone:    c.timeZone,
	}).Context(ctx).Do()
	if err != nil {
		return "", classify("insert calendar", err)
	}
	c.logger.Debug("Created Google calendar.", "calendarID", created.Id, "title", title)
	return created.Id, nil
}

// SetPublicReadAccess grants the default (public) scope the reader role.
func (c *CalendarClient) SetPublicReadAccess(ctx context.Context, calendarID string) error {
	_, err := c.service.Acl.Insert(calendarID, &calendar.AclRule{
		Role:  "reader",
		Scope: &calendar.AclRuleScope{Type: "default"},
	}).Context(ctx).Do()
	if err != nil {
		return classify("insert acl", err)
	}
	return nil
}

func (c *CalendarClient) CreateEvent(ctx context.Context, calendarID string, ev models.Event) (string, error) {
	created, err := c.service.Events.Insert(calendarID, c.toGoogleEvent(ev)).Context(ctx).Do()
	if err != nil {
		return "", classify("insert event", err)
	}
	return created.Id, nil
}

// toGoogleEvent converts the internal Event model to a Google Calendar event.
func (c *CalendarClient) toGoogleEvent(ev models.Event) *calendar.Event {
	out := &calendar.Event{
		Id:          ev.UID,
		Summary:     ev.Title,
		Description: ev.Description,
		Start:       &calendar.EventDateTime{DateTime: ev.StartTime.Format(time.RFC3339), TimeZone: c.timeZone},
		End:         &calendar.EventDateTime{DateTime: ev.EndTime.Format(time.RFC3339), TimeZone: c.timeZone},
		Reminders: &calendar.EventReminders{
			UseDefault:      false,
			ForceSendFields: []string{"UseDefault"},
		},
	}
	for _, r := range ev.Reminders {
		out.Reminders.Overrides = append(out.Reminders.Overrides, &calendar.EventReminder{
			Method:  "popup",
			Minutes: int64(r / time.Minute),
		})
	}
	return out
}

func (c *CalendarClient) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	if err := c.service.Events.Delete(calendarID, eventID).Context(ctx).Do(); err != nil {
		return classify("delete event", err)
	}
	return nil
}

func (c *CalendarClient) DeleteCalendar(ctx context.Context, calendarID string) error {
	if err := c.service.Calendars.Delete(calendarID).Context(ctx).Do(); err != nil {
		return classify("delete calendar", err)
	}
	return nil
}

// ListCalendars pages through the account's calendar list. The primary
// calendar is never returned.
func (c *CalendarClient) ListCalendars(ctx context.Context, filter pcal.ListFilter) ([]pcal.Calendar, error) {
	var out []pcal.Calendar
	err := c.service.CalendarList.List().Context(ctx).Pages(ctx, func(page *calendar.CalendarList) error {
		for _, item := range page.Items {
			if item.Primary || !filter.Match(item.Summary) {
				continue
			}
			out = append(out, pcal.Calendar{ID: item.Id, Title: item.Summary})
		}
		return nil
	})
	if err != nil {
		return nil, classify("list calendars", err)
	}
	return out, nil
}

func (c *CalendarClient) SubscriptionURL(calendarID string) string {
	return subscribeURL + url.QueryEscape(calendarID)
}

// classify maps a Google API error to the provider error taxonomy. Quota
// errors come back as 403 with a rate-limit reason.
func classify(op string, err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if gerr.Code == 403 {
		for _, item := range gerr.Errors {
			switch item.Reason {
			case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
				return fmt.Errorf("%s: %w", op, pcal.FromHTTPStatus(429, err))
			}
		}
	}
	return fmt.Errorf("%s: %w", op, pcal.FromHTTPStatus(gerr.Code, err))
}

// GetOAuthConfigForAuthFlow is used by the auth command to get the config for the web flow.
func GetOAuthConfigForAuthFlow(clientID, clientSecret string) (*oauth2.Config, error) {
	return getOAuthConfig(clientID, clientSecret)
}

// getOAuthConfig reads credentials and returns an OAuth2 config.
// It prioritizes environment variables over a local credentials.json file.
func getOAuthConfig(clientID, clientSecret string) (*oauth2.Config, error) {
	if clientID != "" && clientSecret != "" {
		return &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  "urn:ietf:wg:oauth:2.0:oob",
			Scopes:       []string{calendar.CalendarScope},
			Endpoint:     google.Endpoint,
		}, nil
	}

	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		if _, ok := err.(*fs.PathError); ok {
			return nil, fmt.Errorf("credentials.json not found. Please provide GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET env vars or place credentials.json in the working directory")
		}
		return nil, fmt.Errorf("unable to read client secret file: %w", err)
	}

	config, err := google.ConfigFromJSON(b, calendar.CalendarScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret file to config: %w", err)
	}
	config.RedirectURL = "urn:ietf:wg:oauth:2.0:oob" // For desktop app flow
	return config, nil
}

// TokenFromWeb is called by the auth flow to retrieve a token.
func TokenFromWeb(ctx context.Context, config *oauth2.Config, authCode string) (*oauth2.Token, error) {
	return config.Exchange(ctx, authCode)
}

// SaveToken saves a token to a file path.
func SaveToken(path string, token *oauth2.Token) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("unable to create token file: %w", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(token)
}

// tokenFromFile retrieves a token from a local file.
func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}
