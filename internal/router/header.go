package router

import "context"

// HeaderRouter reads a configured header and returns its value verbatim
// as the target group name.
type HeaderRouter struct {
	HeaderName string
}

// NewHeaderRouter creates a HeaderRouter reading headerName, defaulting
// to X-Trino-Routing-Group per spec.md §4.E.
func NewHeaderRouter(headerName string) *HeaderRouter {
	if headerName == "" {
		headerName = "X-Trino-Routing-Group"
	}
	return &HeaderRouter{HeaderName: headerName}
}

func (h *HeaderRouter) Name() string { return "header" }

func (h *HeaderRouter) Classify(ctx context.Context, req Request) (string, bool) {
	values := req.Headers[h.HeaderName]
	if len(values) == 0 || values[0] == "" {
		return "", false
	}
	return values[0], true
}
