package events

import (
	"net/http"
	"time"
)

// HTTPStart is emitted when an HTTP request is received. The publishing
// context carries the request id.
type HTTPStart struct {
	Request *http.Request
}

// HTTPFinish is emitted after the handler completes. Plan names the catalog
// plan the request executed or rendered, if any.
type HTTPFinish struct {
	Request  *http.Request
	Status   int
	Plan     string
	Duration time.Duration
}
