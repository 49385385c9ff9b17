package server

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/randalmurphal/txcore/pkg/txcore/idempotency"
)

const maxBodyBytes = idempotency.DefaultMaxBodyBytes

// bodyRecorder keeps a copy of what the handler writes.
type bodyRecorder struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *bodyRecorder) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *bodyRecorder) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Idempotent is the gin form of idempotency.Middleware. Requests without an
// Idempotency-Key header, and methods other than POST, PUT and PATCH, pass
// straight through.
func Idempotent(guard *idempotency.Guard, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(idempotency.HeaderKey)
		if key == "" || !idempotency.Eligible(c.Request.Method) {
			c.Next()
			return
		}

		body, err := idempotency.ReadBody(c.Request.Body, maxBodyBytes)
		if err != nil {
			c.AbortWithStatusJSON(idempotency.ErrorResponse(err))
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		fp := idempotency.Fingerprint(c.Request.Method, c.Request.URL.Path, body)

		ran := false
		resp, outcome, err := guard.Do(c.Request.Context(), key, fp, ttl, func(ctx context.Context) (idempotency.Response, error) {
			ran = true
			rec := &bodyRecorder{ResponseWriter: c.Writer}
			c.Writer = rec
			c.Request = c.Request.WithContext(ctx)
			c.Next()
			return idempotency.Response{StatusCode: rec.Status(), Body: rec.body.Bytes()}, nil
		})
		switch {
		case err != nil && !ran:
			c.AbortWithStatusJSON(idempotency.ErrorResponse(err))
		case outcome == idempotency.OutcomeReplayed:
			c.Header(idempotency.HeaderReplayed, "true")
			c.Data(resp.StatusCode, "application/json", resp.Body)
			c.Abort()
		}
	}
}
