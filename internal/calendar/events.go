package calendar

import (
	"fmt"
	"time"

	"pickupcal/internal/models"
)

var pickupHints = map[models.WasteType]string{
	models.WasteMixed:   "Išvežkite bendrų atliekų konteinerį.",
	models.WastePlastic: "Išvežkite plastiko ir pakuočių konteinerį.",
	models.WasteGlass:   "Išvežkite stiklo konteinerį.",
	models.WastePaper:   "Išvežkite popieriaus konteinerį.",
	models.WasteGarden:  "Išvežkite žaliųjų atliekų konteinerį.",
}

// NoticeTitle is the summary of a deprecation notice event.
const NoticeTitle = "⚠️ Svarbu: atnaujinkite kalendoriaus prenumeratą"

// EventStyle shapes the events posted to provider calendars.
type EventStyle struct {
	Location  *time.Location
	StartHour int
	EndHour   int
	Reminders []time.Duration
}

// DefaultEventStyle is 07:00-09:00 Vilnius time with reminders 12h and 1h before.
func DefaultEventStyle() EventStyle {
	loc, err := time.LoadLocation("Europe/Vilnius")
	if err != nil {
		loc = time.UTC
	}
	return EventStyle{
		Location:  loc,
		StartHour: 7,
		EndHour:   9,
		Reminders: []time.Duration{12 * time.Hour, time.Hour},
	}
}

func (st EventStyle) location() *time.Location {
	if st.Location == nil {
		return time.UTC
	}
	return st.Location
}

// PickupEvent is the event for one pickup date.
func (st EventStyle) PickupEvent(uid string, wasteType models.WasteType, date models.Date) models.Event {
	loc := st.location()
	return models.Event{
		UID:         uid,
		Title:       wasteType.DisplayName(),
		Description: pickupHints[wasteType],
		StartTime:   date.In(loc, st.StartHour, 0),
		EndTime:     date.In(loc, st.EndHour, 0),
		Reminders:   st.Reminders,
	}
}

// NoticeEvent announces the removal of a calendar on deadline.
func (st EventStyle) NoticeEvent(uid string, date models.Date, deadline time.Time) models.Event {
	loc := st.location()
	return models.Event{
		UID:   uid,
		Title: NoticeTitle,
		Description: fmt.Sprintf("Šio adreso atliekų grafikas pasikeitė. Prašome atnaujinti prenumeratą. "+
			"Šis kalendorius bus pašalintas %s.", deadline.In(loc).Format("2006-01-02")),
		StartTime: date.In(loc, 9, 0),
		EndTime:   date.In(loc, 11, 0),
	}
}
