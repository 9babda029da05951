package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMissingHits is returned when a decoded message has no hits.hits payload.
var ErrMissingHits = errors.New("envelope has no hits.hits payload")

// Envelope is the fixed wrapper around every broadcast payload. It mimics
// the shape of a search engine response so consumers always read hits.hits.
type Envelope struct {
	Took     int    `json:"took"`
	TimedOut bool   `json:"timed_out"`
	Shards   Shards `json:"_shards"`
	Hits     Hits   `json:"hits"`
}

type Shards struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

type Hits struct {
	Total    int `json:"total"`
	MaxScore int `json:"max_score"`
	Hits     any `json:"hits"`
}

// Wrap builds the envelope for payload, which is either a slice of records
// (initial push, snapshot) or a single record (incremental push).
func Wrap(payload any) Envelope {
	return Envelope{
		Took: 1,
		Shards: Shards{
			Total:      5,
			Successful: 5,
			Failed:     0,
		},
		Hits: Hits{
			Total:    count(payload),
			MaxScore: 1,
			Hits:     payload,
		},
	}
}

// Unwrap returns the logical payload carried by e.
func (e Envelope) Unwrap() any {
	return e.Hits.Hits
}

// Decode parses raw JSON text into an envelope and returns hits.hits.
// Numbers are kept as json.Number so identifiers survive untouched.
func Decode(data []byte) (any, error) {
	var raw struct {
		Hits *struct {
			Hits json.RawMessage `json:"hits"`
		} `json:"hits"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if raw.Hits == nil || len(raw.Hits.Hits) == 0 {
		return nil, ErrMissingHits
	}

	dec := json.NewDecoder(bytes.NewReader(raw.Hits.Hits))
	dec.UseNumber()
	var payload any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode hits: %w", err)
	}
	return payload, nil
}

func count(payload any) int {
	switch p := payload.(type) {
	case nil:
		return 0
	case []any:
		return len(p)
	case []map[string]any:
		return len(p)
	default:
		return 1
	}
}
