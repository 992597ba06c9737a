package provider

// NormalizedMessage is the common shape every mail-like adapter's fetch
// normalizes into. Optional fields are omitted, not defaulted, when a
// provider has no analog.
type NormalizedMessage struct {
	ID string `json:"id"`
	ThreadID string `json:"threadId,omitempty"`
	Provider string `json:"provider"`
	Subject string `json:"subject"`
	Snippet string `json:"snippet,omitempty"`
	Body *MessageBody `json:"body,omitempty"`
	From MessageParticipant `json:"from"`
	To []MessageParticipant `json:"to"`
	CC []MessageParticipant `json:"cc,omitempty"`
	Timestamp string `json:"timestamp"` // RFC 3339
	IsRead bool `json:"isRead"`
	Labels []string `json:"labels,omitempty"`
	Attachments []MessageAttachment `json:"attachments,omitempty"`
	Raw any `json:"raw,omitempty"`
}

type MessageBody struct {
	Text string `json:"text,omitempty"`
	HTML string `json:"html,omitempty"`
}

type MessageParticipant struct {
	Email string `json:"email"`
	Name string `json:"name,omitempty"`
}

type MessageAttachment struct {
	ID string `json:"id"`
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	SizeBytes int64 `json:"sizeBytes"`
}

// NormalizedEvent is the common shape for calendar-like adapters.
type NormalizedEvent struct {
	ID string `json:"id"`
	Provider string `json:"provider"`
	CalendarID string `json:"calendarId"`
	Summary string `json:"summary"`
	Description string `json:"description,omitempty"`
	Location string `json:"location,omitempty"`
	Start EventDateTime `json:"start"`
	End EventDateTime `json:"end"`
	Attendees []EventAttendee `json:"attendees"`
	Organizer *EventAttendee `json:"organizer,omitempty"`
	Status string `json:"status"` // confirmed | tentative | cancelled
	HTMLLink string `json:"htmlLink,omitempty"`
	Raw any `json:"raw,omitempty"`
}

type EventDateTime struct {
	DateTime string `json:"dateTime,omitempty"`
	Date string `json:"date,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

type EventAttendee struct {
	Email string `json:"email"`
	Name string `json:"name,omitempty"`
	ResponseStatus string `json:"responseStatus,omitempty"`
}

// Page wraps a paginated adapter result.
type Page struct {
	Items []any `json:"items"`
	NextPageToken string `json:"nextPageToken,omitempty"`
	ResultSizeEstimate int `json:"resultSizeEstimate,omitempty"`
}
