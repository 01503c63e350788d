package sse

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Publication is an SSE message plus its metadata and privacy flag
// (spec.md §3).
type Publication struct {
	Data    *string
	ID      string
	Type    *string
	Retry   *uint64
	Topic   []string
	Private bool
}

// parsePublication URL-form-decodes body into a Publication, assigning a
// fresh UUID id when the form omits one (spec.md §4.H Publish step 1).
// Grounded on the original source's src/sse/mod.rs to_publication.
func parsePublication(body []byte) (Publication, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return Publication{}, fmt.Errorf("sse: malformed publication body: %w", err)
	}

	var pub Publication
	pub.Topic = values["topic"]

	if hasKey(values, "data") {
		v := values.Get("data")
		pub.Data = &v
	}
	if v := values.Get("id"); v != "" {
		pub.ID = v
	} else {
		pub.ID = uuid.NewString()
	}
	if v := values.Get("type"); v != "" {
		pub.Type = &v
	}
	if v := values.Get("retry"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			pub.Retry = &n
		}
	}
	switch strings.ToLower(values.Get("private")) {
	case "on", "true", "1":
		pub.Private = true
	}

	return pub, nil
}

func hasKey(v url.Values, key string) bool {
	_, ok := v[key]
	return ok
}

// formatEvent renders pub as a standard SSE event frame.
func formatEvent(pub Publication) []byte {
	var b strings.Builder
	if pub.ID != "" {
		fmt.Fprintf(&b, "id: %s\n", pub.ID)
	}
	if pub.Type != nil {
		fmt.Fprintf(&b, "event: %s\n", *pub.Type)
	}
	if pub.Retry != nil {
		fmt.Fprintf(&b, "retry: %d\n", *pub.Retry)
	}
	data := ""
	if pub.Data != nil {
		data = *pub.Data
	}
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	return []byte(b.String())
}

// pingEvent is the keepalive frame sent to every subscriber on each tick
// (spec.md §4.H Keepalive: "a 'PING' data-event").
func pingEvent() []byte {
	return []byte("data: PING\n\n")
}
