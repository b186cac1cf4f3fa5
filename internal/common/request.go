package common

import (
	"net"
	"net/http"
	"net/url"
	"strconv"
)

// ClientIP is the host part of r.RemoteAddr. Forwarded headers are resolved
// earlier by security.TrustedProxies, which rewrites RemoteAddr for trusted hops only.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Page is a 1-based listing window read from ?page= and ?limit=.
type Page struct {
	Number int
	Size   int
}

// ParsePage reads the window from q, clamping the size to max.
func ParsePage(q url.Values, size, max int) Page {
	p := Page{Number: 1, Size: size}
	if n, err := strconv.Atoi(q.Get("page")); err == nil && n > 0 {
		p.Number = n
	}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		p.Size = n
	}
	if max > 0 && p.Size > max {
		p.Size = max
	}
	return p
}

// Offset is the number of rows before the window.
func (p Page) Offset() int { return (p.Number - 1) * p.Size }

// PageMeta is the pagination member of list responses.
type PageMeta struct {
	Page       int   `json:"page"`
	PerPage    int   `json:"perPage"`
	TotalItems int64 `json:"totalItems"`
	TotalPages int   `json:"totalPages"`
}

// Meta describes the window against total matching rows.
func (p Page) Meta(total int64) PageMeta {
	pages := 0
	if p.Size > 0 {
		pages = int((total + int64(p.Size) - 1) / int64(p.Size))
	}
	return PageMeta{Page: p.Number, PerPage: p.Size, TotalItems: total, TotalPages: pages}
}
