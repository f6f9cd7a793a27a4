package caldav

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"pickupcal/internal/calendar"
	"pickupcal/internal/models"
)

type request struct {
	method, path, ifNoneMatch, body string
}

func newTestClient(t *testing.T, status int) (*CalDAVClient, *[]request) {
	t.Helper()
	var seen []request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = append(seen, request{r.Method, r.URL.Path, r.Header.Get("If-None-Match"), string(b)})
		user, _, _ := r.BasicAuth()
		if user != "user" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Method == "PROPFIND" {
			w.Header().Set("Content-Type", "application/xml; charset=utf-8")
			w.WriteHeader(http.StatusMultiStatus)
			_, _ = io.WriteString(w, multistatus)
			return
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	c, err := NewClient(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)), Config{
		Endpoint: srv.URL + "/",
		Username: "user",
		Password: "secret",
		HomeSet:  "/home/",
	})
	assert.NilError(t, err)
	return c, &seen
}

func TestCreateCalendar(t *testing.T) {
	c, seen := newTestClient(t, http.StatusCreated)
	id, err := c.CreateCalendar(context.Background(), "Area & Co - Stiklas - 012345", "desc")
	assert.NilError(t, err)
	assert.Assert(t, strings.HasPrefix(id, "/home/"))
	assert.Assert(t, strings.HasSuffix(id, "/"))

	req := (*seen)[0]
	assert.Equal(t, req.method, "MKCALENDAR")
	assert.Equal(t, req.path, id)
	assert.Assert(t, is.Contains(req.body, "<D:displayname>Area &amp; Co - Stiklas - 012345</D:displayname>"))
	assert.Assert(t, is.Contains(req.body, `<C:comp name="VEVENT"/>`))
}

func TestCreateEventPutsICS(t *testing.T) {
	c, seen := newTestClient(t, http.StatusCreated)
	start := time.Date(2026, 1, 8, 7, 0, 0, 0, time.UTC)
	id, err := c.CreateEvent(context.Background(), "/home/cal/", models.Event{
		UID:       "abc123",
		Title:     "Stiklas",
		StartTime: start,
		EndTime:   start.Add(2 * time.Hour),
		Reminders: []time.Duration{time.Hour},
	})
	assert.NilError(t, err)
	assert.Equal(t, id, "abc123")

	req := (*seen)[0]
	assert.Equal(t, req.method, http.MethodPut)
	assert.Equal(t, req.path, "/home/cal/abc123.ics")
	assert.Equal(t, req.ifNoneMatch, "*")
	assert.Assert(t, is.Contains(req.body, "UID:abc123"))
	assert.Assert(t, is.Contains(req.body, "DTSTART:20260108T070000Z"))
	assert.Assert(t, is.Contains(req.body, "BEGIN:VALARM"))
	assert.Assert(t, is.Contains(req.body, "TRIGGER:-PT60M"))
}

func TestStatusClassification(t *testing.T) {
	c, _ := newTestClient(t, http.StatusPreconditionFailed)
	_, err := c.CreateEvent(context.Background(), "/home/cal/", models.Event{UID: "abc", StartTime: time.Now(), EndTime: time.Now()})
	assert.Assert(t, calendar.IsAlreadyExists(err), "%v", err)

	c, _ = newTestClient(t, http.StatusNotFound)
	assert.Assert(t, calendar.IsNotFound(c.DeleteEvent(context.Background(), "/home/cal/", "abc")))
	assert.Assert(t, calendar.IsNotFound(c.DeleteCalendar(context.Background(), "/home/cal/")))

	c, _ = newTestClient(t, http.StatusServiceUnavailable)
	assert.Assert(t, calendar.IsTransient(c.DeleteEvent(context.Background(), "/home/cal/", "abc")))
}

func TestListCalendars(t *testing.T) {
	c, _ := newTestClient(t, http.StatusOK)
	cals, err := c.ListCalendars(context.Background(), calendar.ListFilter{TitleContains: []string{"Stiklas"}})
	assert.NilError(t, err)
	assert.DeepEqual(t, cals, []calendar.Calendar{{ID: "/home/a/", Title: "Area - Stiklas - 012345"}})
}

func TestSubscriptionURL(t *testing.T) {
	c, _ := newTestClient(t, http.StatusOK)
	u := c.SubscriptionURL("/home/cal/")
	assert.Assert(t, strings.HasPrefix(u, "webcal://"))
	assert.Assert(t, strings.HasSuffix(u, "/home/cal/"))
}

var multistatus = fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<d:multistatus xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
%s
%s
%s
</d:multistatus>`,
	calendarResponse("/home/", "Home", false),
	calendarResponse("/home/a/", "Area - Stiklas - 012345", true),
	calendarResponse("/home/b/", "Personal", true),
)

func calendarResponse(href, name string, isCalendar bool) string {
	kind := "<d:collection/>"
	if isCalendar {
		kind += "<c:calendar/>"
	}
	return fmt.Sprintf(`<d:response><d:href>%s</d:href><d:propstat><d:prop>
<d:resourcetype>%s</d:resourcetype>
<d:displayname>%s</d:displayname>
<c:calendar-description></c:calendar-description>
<c:max-resource-size>1000000</c:max-resource-size>
<c:supported-calendar-component-set><c:comp name="VEVENT"/></c:supported-calendar-component-set>
</d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>`, href, kind, name)
}
