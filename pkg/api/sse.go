package api

import (
	"github.com/gin-gonic/gin"

	"github.com/convolab/triage/pkg/events"
)

// streamSSE drains a run's event stream to the client as server-sent
// events, one record per event: the SSE event name is the event type and
// the data field is the full event as JSON. The response ends when the
// run parks at an approval waypoint or reaches a terminal state (the
// producer closes the stream).
func streamSSE(c *gin.Context, stream *events.Stream) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.Flush()

	for ev := range stream.Events() {
		c.SSEvent(ev.Type, ev)
		c.Writer.Flush()
	}
}
