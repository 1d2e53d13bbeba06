package core

import "time"

// Timestamp is a time.Time carried as a domain value, so run records and
// reports keep one JSON shape for their temporal fields.
type Timestamp time.Time

// NewTimestamp wraps a time.Time
func NewTimestamp(t time.Time) Timestamp { return Timestamp(t) }

// Now returns the current moment
func Now() Timestamp { return Timestamp(time.Now()) }

// Time unwraps the underlying time.Time
func (t Timestamp) Time() time.Time { return time.Time(t) }

// IsZero reports whether the timestamp was never set
func (t Timestamp) IsZero() bool { return t.Time().IsZero() }

// Sub returns the duration from u to t
func (t Timestamp) Sub(u Timestamp) time.Duration { return t.Time().Sub(u.Time()) }

// String renders RFC 3339
func (t Timestamp) String() string { return t.Time().Format(time.RFC3339) }

func (t Timestamp) MarshalJSON() ([]byte, error) { return t.Time().MarshalJSON() }

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var parsed time.Time
	if err := parsed.UnmarshalJSON(data); err != nil {
		return err
	}
	*t = Timestamp(parsed)
	return nil
}
