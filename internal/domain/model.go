package domain

// Calendar is a named collection of events owned by a single user.
type Calendar struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Name      string `json:"name"`
	Color     int64  `json:"color"`
	IsVisible bool   `json:"isVisible"`
	IsPrimary bool   `json:"isPrimary"`
}

// Event is a calendar entry. Times are epoch milliseconds.
type Event struct {
	ID              string `json:"id"`
	UserID          string `json:"userId,omitempty"`
	CalendarID      string `json:"calendarId"`
	CalendarName    string `json:"calendarName,omitempty"`
	Title           string `json:"title"`
	Description     string `json:"description,omitempty"`
	Location        string `json:"location,omitempty"`
	StartTime       int64  `json:"startTime"`
	EndTime         int64  `json:"endTime"`
	IsAllDay        bool   `json:"isAllDay"`
	IsRecurring     bool   `json:"isRecurring"`
	RecurringRule   string `json:"recurringRule,omitempty"`
	ReminderMinutes []int  `json:"reminderMinutes,omitempty"`
	Color           int64  `json:"color"`
}

// Clone returns a deep copy so cached values never share reminder slices.
func (e Event) Clone() Event {
	out := e
	if e.ReminderMinutes != nil {
		out.ReminderMinutes = make([]int, len(e.ReminderMinutes))
		copy(out.ReminderMinutes, e.ReminderMinutes)
	}
	return out
}

// Holiday is a public holiday for a country. Date is epoch milliseconds at UTC midnight.
type Holiday struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Date        int64  `json:"date"`
	CountryCode string `json:"countryCode"`
	HolidayType string `json:"holidayType"`
}

// ColorFor derives a stable ARGB color from a calendar identity so events of
// the same calendar render consistently across devices.
func ColorFor(seed string) int64 {
	var h uint32 = 2166136261
	for i := 0; i < len(seed); i++ {
		h ^= uint32(seed[i])
		h *= 16777619
	}
	return int64(0xFF000000 | (h & 0x00FFFFFF))
}
