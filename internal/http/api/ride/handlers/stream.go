package handlers

import (
	"encoding/json"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ridecircle/groupride/internal/realtime"
	log "github.com/sirupsen/logrus"
)

const defaultHeartbeat = 25 * time.Second

// serveStream writes every snapshot as a server-sent "snapshot" event whose
// data is the JSON value, so an empty slot arrives as null. An "end" event
// marks a stream the server closed.
func serveStream[T any](c *gin.Context, stream *realtime.Stream[T], heartbeat time.Duration, format func(T) any) {
	defer stream.Close()
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	ctx := c.Request.Context()
	c.Stream(func(io.Writer) bool {
		select {
		case value, ok := <-stream.C():
			if !ok {
				c.SSEvent("end", "null")
				return false
			}
			payload, errMarshal := json.Marshal(format(value))
			if errMarshal != nil {
				log.WithError(errMarshal).WithField("path", c.FullPath()).Warn("stream: encode snapshot")
				return true
			}
			c.SSEvent("snapshot", string(payload))
			return true
		case <-ticker.C:
			c.SSEvent("heartbeat", "{}")
			return true
		case <-ctx.Done():
			return false
		}
	})
}

func identityFormat[T any](v T) any { return v }
