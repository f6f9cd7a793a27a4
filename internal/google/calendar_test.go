package google

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
	"gotest.tools/v3/assert"

	pcal "pickupcal/internal/calendar"
	"pickupcal/internal/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *CalendarClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	svc, err := calendar.NewService(context.Background(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
	)
	assert.NilError(t, err)
	return &CalendarClient{service: svc, logger: slog.New(slog.NewTextHandler(io.Discard, nil)), timeZone: "Europe/Vilnius"}
}

func writeError(w http.ResponseWriter, code int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": reason,
			"errors":  []map[string]any{{"reason": reason, "message": reason}},
		},
	})
}

func TestCreateEventSendsUIDAndReminders(t *testing.T) {
	var body map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, r.Method, http.MethodPost)
		assert.Equal(t, r.URL.Path, "/calendars/cal1/events")
		assert.NilError(t, json.NewDecoder(r.Body).Decode(&body))
		_ = json.NewEncoder(w).Encode(map[string]any{"id": body["id"]})
	})

	start := time.Date(2026, 1, 8, 7, 0, 0, 0, time.UTC)
	id, err := c.CreateEvent(context.Background(), "cal1", models.Event{
		UID:       "0123456789abcdef0123456789",
		Title:     "Stiklas",
		StartTime: start,
		EndTime:   start.Add(2 * time.Hour),
		Reminders: []time.Duration{12 * time.Hour, time.Hour},
	})
	assert.NilError(t, err)
	assert.Equal(t, id, "0123456789abcdef0123456789")

	reminders := body["reminders"].(map[string]any)
	assert.Equal(t, reminders["useDefault"], false)
	overrides := reminders["overrides"].([]any)
	assert.Equal(t, len(overrides), 2)
	assert.Equal(t, overrides[0].(map[string]any)["minutes"], float64(720))
	assert.Equal(t, body["start"].(map[string]any)["timeZone"], "Europe/Vilnius")
}

func TestErrorsAreClassified(t *testing.T) {
	cases := []struct {
		name   string
		code   int
		reason string
		check  func(error) bool
	}{
		{"quota", http.StatusForbidden, "rateLimitExceeded", pcal.IsRateLimited},
		{"too many requests", http.StatusTooManyRequests, "rateLimitExceeded", pcal.IsRateLimited},
		{"gone", http.StatusGone, "deleted", pcal.IsNotFound},
		{"not found", http.StatusNotFound, "notFound", pcal.IsNotFound},
		{"duplicate", http.StatusConflict, "duplicate", pcal.IsAlreadyExists},
		{"forbidden", http.StatusForbidden, "forbidden", pcal.IsPermanent},
		{"backend", http.StatusInternalServerError, "backendError", pcal.IsTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeError(w, tc.code, tc.reason)
			})
			err := c.DeleteEvent(context.Background(), "cal1", "ev1")
			assert.Assert(t, tc.check(err), "%v", err)
		})
	}
}

func TestListCalendarsSkipsPrimaryAndPages(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, r.URL.Path, "/users/me/calendarList")
		if r.URL.Query().Get("pageToken") == "" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"items": []map[string]any{
					{"id": "me@example.com", "summary": "Me", "primary": true},
					{"id": "a@group", "summary": "Area - Stiklas - 012345"},
				},
				"nextPageToken": "p2",
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{
				{"id": "b@group", "summary": "Holidays"},
				{"id": "c@group", "summary": "Area - Plastikas - abcdef"},
			},
		})
	})

	cals, err := c.ListCalendars(context.Background(), pcal.ListFilter{TitleContains: []string{"Stiklas", "Plastikas"}})
	assert.NilError(t, err)
	assert.DeepEqual(t, cals, []pcal.Calendar{
		{ID: "a@group", Title: "Area - Stiklas - 012345"},
		{ID: "c@group", Title: "Area - Plastikas - abcdef"},
	})
}

func TestSetPublicReadAccess(t *testing.T) {
	var rule calendar.AclRule
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, r.URL.Path, "/calendars/cal1/acl")
		assert.NilError(t, json.NewDecoder(r.Body).Decode(&rule))
		_ = json.NewEncoder(w).Encode(rule)
	})
	assert.NilError(t, c.SetPublicReadAccess(context.Background(), "cal1"))
	assert.Equal(t, rule.Role, "reader")
	assert.Equal(t, rule.Scope.Type, "default")
}

func TestSubscriptionURL(t *testing.T) {
	c := &CalendarClient{}
	assert.Equal(t, c.SubscriptionURL("abc@group.calendar.google.com"),
		"https://calendar.google.com/calendar/render?cid=abc%40group.calendar.google.com")
}
