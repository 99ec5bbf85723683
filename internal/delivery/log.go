package delivery

// LogEntry records the outcome of one webhook attempt in the log sink.
type LogEntry struct {
	Success    bool    `json:"success"`
	Error      *string `json:"error"`
	TeamID     string  `json:"team_id"`
	CrawlID    string  `json:"crawl_id"`
	ScrapeID   *string `json:"scrape_id"`
	URL        string  `json:"url"`
	StatusCode *int    `json:"status_code"`
	Event      string  `json:"event"`
}

// NewLogEntry builds the log record for m. status is 0 when no response was received.
func NewLogEntry(m QueueMessage, status int, err error) LogEntry {
	e := LogEntry{
		Success:  err == nil,
		TeamID:   m.TeamID,
		CrawlID:  m.JobID,
		ScrapeID: m.ScrapeID,
		URL:      m.WebhookURL,
		Event:    m.Event,
	}
	if err != nil {
		s := err.Error()
		e.Error = &s
	}
	if status > 0 {
		e.StatusCode = &status
	}
	return e
}
