// Package caldav is a calendar.Provider for CalDAV servers (iCloud,
// Nextcloud, Radicale, ...).
package caldav

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"

	"pickupcal/internal/calendar"
	"pickupcal/internal/feed"
	"pickupcal/internal/models"
)

// ICloudEndpoint is the CalDAV endpoint of iCloud.
const ICloudEndpoint = "https://caldav.icloud.com/"

// customTransport handles adding Basic Auth and custom headers to requests.
type customTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

// RoundTrip adds required headers and authentication to each request.
func (t *customTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.Username, t.Password)
	req.Header.Set("User-Agent", "pickupcal/1.0")
	return t.Transport.RoundTrip(req)
}

// Config holds the connection settings.
type Config struct {
	Endpoint string
	Username string
	Password string
	// HomeSet is the calendar home collection path. Discovered when empty.
	HomeSet string
}

// CalDAVClient is a calendar.Provider backed by a CalDAV server. Calendar
// IDs are collection paths; event IDs are the object UIDs.
type CalDAVClient struct {
	http         *http.Client
	caldavClient *caldav.Client
	logger       *slog.Logger
	endpoint     *url.URL
	homeSet      string
}

var _ calendar.Provider = (*CalDAVClient)(nil)

// NewClient creates and initializes a new CalDAVClient.
func NewClient(ctx context.Context, logger *slog.Logger, cfg Config) (*CalDAVClient, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = ICloudEndpoint
	}
	endpoint, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid caldav endpoint: %w", err)
	}
	httpClient := &http.Client{Transport: &customTransport{
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: http.DefaultTransport,
	}}

	caldavClient, err := caldav.NewClient(httpClient, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}

	c := &CalDAVClient{
		http:         httpClient,
		caldavClient: caldavClient,
		logger:       logger,
		endpoint:     endpoint,
		homeSet:      cfg.HomeSet,
	}
	if c.homeSet == "" {
		if c.homeSet, err = c.findHomeSet(ctx); err != nil {
			return nil, err
		}
		logger.Info("Found CalDAV calendar home.", "path", c.homeSet)
	}
	return c, nil
}

func (c *CalDAVClient) findHomeSet(ctx context.Context) (string, error) {
	principalPath, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to find principal path: %w", err)
	}
	homeSetPath, err := c.caldavClient.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendar home set: %w", err)
	}
	return homeSetPath, nil
}

// CreateCalendar issues MKCALENDAR for a new collection under the home set.
func (c *CalDAVClient) CreateCalendar(ctx context.Context, title, description string) (string, error) {
	p := path.Join(c.homeSet, uuid.NewString()) + "/"
	var body bytes.Buffer
	body.WriteString(`<?xml version="1.0" encoding="utf-8"?>` +
		`<C:mkcalendar xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav"><D:set><D:prop><D:displayname>`)
	_ = xml.EscapeText(&body, []byte(title))
	body.WriteString(`</D:displayname><C:calendar-description>`)
	_ = xml.EscapeText(&body, []byte(description))
	body.WriteString(`</C:calendar-description><C:supported-calendar-component-set><C:comp name="VEVENT"/>` +
		`</C:supported-calendar-component-set></D:prop></D:set></C:mkcalendar>`)

	header := http.Header{"Content-Type": {"application/xml; charset=utf-8"}}
	if err := c.do(ctx, "MKCALENDAR", p, header, &body); err != nil {
		return "", err
	}
	c.logger.Debug("Created CalDAV calendar.", "path", p, "title", title)
	return p, nil
}

// SetPublicReadAccess is a no-op: CalDAV has no portable public-read ACL.
// Servers publish collections through their own sharing settings.
func (c *CalDAVClient) SetPublicReadAccess(ctx context.Context, calendarID string) error {
	return nil
}

// CreateEvent stores the event as <uid>.ics. An existing object with the
// same name is reported as already existing.
func (c *CalDAVClient) CreateEvent(ctx context.Context, calendarID string, ev models.Event) (string, error) {
	var body bytes.Buffer
	if err := ical.NewEncoder(&body).Encode(feed.Single(ev, time.Now())); err != nil {
		return "", fmt.Errorf("%w: failed to encode event to iCal format: %w", errdefs.ErrInvalidArgument, err)
	}
	header := http.Header{
		"Content-Type":  {ical.MIMEType},
		"If-None-Match": {"*"},
	}
	if err := c.do(ctx, http.MethodPut, eventPath(calendarID, ev.UID), header, &body); err != nil {
		if errdefs.IsFailedPrecondition(err) {
			return "", fmt.Errorf("event %s: %w", ev.UID, errdefs.ErrAlreadyExists)
		}
		return "", err
	}
	return ev.UID, nil
}

func (c *CalDAVClient) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	return c.do(ctx, http.MethodDelete, eventPath(calendarID, eventID), nil, nil)
}

func (c *CalDAVClient) DeleteCalendar(ctx context.Context, calendarID string) error {
	return c.do(ctx, http.MethodDelete, calendarID, nil, nil)
}

// ListCalendars returns the collections of the home set whose display name
// matches filter.
func (c *CalDAVClient) ListCalendars(ctx context.Context, filter calendar.ListFilter) ([]calendar.Calendar, error) {
	cals, err := c.caldavClient.FindCalendars(ctx, c.homeSet)
	if err != nil {
		return nil, fmt.Errorf("failed to find calendars: %w", err)
	}
	var out []calendar.Calendar
	for _, cal := range cals {
		if strings.TrimSuffix(cal.Path, "/") == strings.TrimSuffix(c.homeSet, "/") || !filter.Match(cal.Name) {
			continue
		}
		out = append(out, calendar.Calendar{ID: cal.Path, Title: cal.Name})
	}
	return out, nil
}

// SubscriptionURL returns the collection URL with the webcal scheme.
func (c *CalDAVClient) SubscriptionURL(calendarID string) string {
	u := *c.endpoint.ResolveReference(&url.URL{Path: calendarID})
	u.Scheme = "webcal"
	return u.String()
}

func eventPath(calendarID, uid string) string {
	return path.Join(calendarID, uid+".ics")
}

// do sends a raw request to p, relative to the endpoint, and classifies a
// non-2xx status.
func (c *CalDAVClient) do(ctx context.Context, method, p string, header http.Header, body io.Reader) error {
	target := c.endpoint.ResolveReference(&url.URL{Path: p})
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", errdefs.ErrInvalidArgument, method, p, err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", errdefs.ErrUnavailable, method, p, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 == 2 {
		return nil
	}
	return calendar.FromHTTPStatus(resp.StatusCode, fmt.Errorf("%s %s: %s", method, p, resp.Status))
}
