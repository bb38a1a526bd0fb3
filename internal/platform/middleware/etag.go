package middleware

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// ETagConfig controls ETag revalidation for slow-changing GET surfaces
// such as the staff directory.
type ETagConfig struct {
	// MaxAge is the Cache-Control max-age in seconds.
	MaxAge int
	// SkipPaths lists exact paths that never get validator headers.
	SkipPaths []string
}

func DefaultETagConfig() ETagConfig {
	return ETagConfig{MaxAge: 300}
}

// etagRecorder buffers a response so its body can be hashed before
// anything reaches the wire.
type etagRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *etagRecorder) WriteHeader(status int) {
	r.status = status
}

func (r *etagRecorder) Write(b []byte) (int, error) {
	return r.body.Write(b)
}

func (r *etagRecorder) replay() error {
	r.ResponseWriter.WriteHeader(r.status)
	if r.body.Len() == 0 {
		return nil
	}
	_, err := r.ResponseWriter.Write(r.body.Bytes())
	return err
}

// ETag stamps successful GET and HEAD responses with a weak ETag and a
// private Cache-Control, and answers a matching If-None-Match with
// 304 Not Modified. Every response carries patient-adjacent data, so
// the cache scope is always private.
func ETag(cfg ETagConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Method != http.MethodGet && req.Method != http.MethodHead {
				return next(c)
			}
			for _, p := range cfg.SkipPaths {
				if req.URL.Path == p {
					return next(c)
				}
			}

			res := c.Response()
			orig := res.Writer
			rec := &etagRecorder{ResponseWriter: orig, status: http.StatusOK}
			res.Writer = rec
			err := next(c)
			res.Writer = orig
			if err != nil {
				return err
			}
			if rec.status >= 400 {
				return rec.replay()
			}

			res.Header().Set("Cache-Control", fmt.Sprintf("private, max-age=%d", cfg.MaxAge))
			res.Header().Set("Vary", "Accept, Authorization")

			tag := weakETag(rec.body.Bytes())
			res.Header().Set("ETag", tag)
			if etagMatches(req.Header.Get("If-None-Match"), tag) {
				orig.WriteHeader(http.StatusNotModified)
				return nil
			}
			return rec.replay()
		}
	}
}

func weakETag(body []byte) string {
	return fmt.Sprintf(`W/"%x"`, sha1.Sum(body))
}

// etagMatches implements the weak comparison from RFC 9110: the W/
// prefix is ignored on both sides, and "*" matches anything.
func etagMatches(header, tag string) bool {
	header = strings.TrimSpace(header)
	if header == "" {
		return false
	}
	if header == "*" {
		return true
	}
	bare := strings.TrimPrefix(tag, "W/")
	for _, candidate := range strings.Split(header, ",") {
		if strings.TrimPrefix(strings.TrimSpace(candidate), "W/") == bare {
			return true
		}
	}
	return false
}
