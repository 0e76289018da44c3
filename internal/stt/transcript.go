package stt

import "time"

// Transcript is one transcription surfaced by the bridge. Partials are
// display-only; finals also feed attention detection.
type Transcript struct {
	ID             string    `json:"id"`
	Text           string    `json:"text"`
	Confidence     float64   `json:"confidence"`
	Timestamp      time.Time `json:"timestamp"`
	IsPartial      bool      `json:"isPartial"`
	AudioSegmentID string    `json:"audioSegmentId"`
}

// Equal reports field-wise equality, comparing timestamps by instant.
func (t Transcript) Equal(o Transcript) bool {
	return t.ID == o.ID &&
		t.Text == o.Text &&
		t.Confidence == o.Confidence &&
		t.Timestamp.Equal(o.Timestamp) &&
		t.IsPartial == o.IsPartial &&
		t.AudioSegmentID == o.AudioSegmentID
}
