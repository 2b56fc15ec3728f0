package util

import (
	"net/http"
	"strings"
)

// CORS answers browser preflights for the public API. An empty origin list
// or a "*" entry allows any origin.
type CORS struct {
	any     bool
	origins map[string]struct{}
}

func NewCORS(origins []string) *CORS {
	c := &CORS{origins: make(map[string]struct{})}
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		switch o {
		case "":
		case "*":
			c.any = true
		default:
			c.origins[strings.ToLower(o)] = struct{}{}
		}
	}
	if len(c.origins) == 0 {
		c.any = true
	}
	return c
}

// Wrap adds CORS headers for allowed origins. Disallowed preflights get 403.
func (c *CORS) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		allowed := c.allows(origin)
		if origin != "" && allowed {
			h := w.Header()
			if c.any {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}
			h.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-Id")
			h.Set("Access-Control-Expose-Headers", "X-Request-Id, Retry-After")
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			if !allowed {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (c *CORS) allows(origin string) bool {
	if c.any || origin == "" {
		return true
	}
	_, ok := c.origins[strings.ToLower(strings.TrimRight(origin, "/"))]
	return ok
}
