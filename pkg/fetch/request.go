package fetch

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/NamanBalaji/fetch/internal/connection"
	fetchErrors "github.com/NamanBalaji/fetch/internal/errors"
)

const formContentType = "application/x-www-form-urlencoded"

// Request describes a single fetch. It is copied when a session starts;
// later changes by the caller have no effect on the running session.
type Request struct {
	URL     *url.URL
	Method  string
	Form    map[string]string
	Cookies []*http.Cookie

	// Tag is an opaque caller value for correlating callbacks.
	Tag int
	// Retry allows one automatic retry after a transient transport error.
	Retry bool
	// Hash is passed through untouched for out of band verification.
	Hash string
}

// Validate reports whether the request can be sent. Failures are
// INVALID_REQUEST errors.
func (r Request) Validate() error {
	resource := r.resource()

	if r.URL == nil || r.URL.String() == "" {
		return fetchErrors.NewInvalidRequestError(fetchErrors.ErrInvalidURL, resource)
	}

	switch strings.ToLower(r.URL.Scheme) {
	case "http", "https":
	case "":
		return fetchErrors.NewInvalidRequestError(fmt.Errorf("%w: missing scheme", fetchErrors.ErrInvalidURL), resource)
	default:
		return fetchErrors.NewInvalidRequestError(fmt.Errorf("%w: %q", fetchErrors.ErrUnsupportedScheme, r.URL.Scheme), resource)
	}

	if r.URL.Hostname() == "" {
		return fetchErrors.NewInvalidRequestError(fmt.Errorf("%w: missing host", fetchErrors.ErrInvalidURL), resource)
	}

	if _, err := connection.NormalizeHost(r.URL.Hostname()); err != nil {
		return fetchErrors.NewInvalidRequestError(fmt.Errorf("%w: %w", fetchErrors.ErrInvalidURL, err), resource)
	}

	switch r.method() {
	case http.MethodGet:
		if len(r.Form) > 0 {
			return fetchErrors.NewInvalidRequestError(fmt.Errorf("%w: form data on GET", fetchErrors.ErrInvalidForm), resource)
		}
	case http.MethodPost:
	default:
		return fetchErrors.NewInvalidRequestError(fmt.Errorf("%w: %q", fetchErrors.ErrInvalidMethod, r.Method), resource)
	}

	for k := range r.Form {
		if k == "" {
			return fetchErrors.NewInvalidRequestError(fmt.Errorf("%w: empty field name", fetchErrors.ErrInvalidForm), resource)
		}
	}

	return nil
}

// Body returns the form encoded as application/x-www-form-urlencoded.
// Keys are sorted so the encoding is stable.
func (r Request) Body() string {
	if len(r.Form) == 0 {
		return ""
	}

	var b strings.Builder
	for i, k := range slices.Sorted(maps.Keys(r.Form)) {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(r.Form[k]))
	}

	return b.String()
}

func (r Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(r.Method)
}

func (r Request) resource() string {
	if r.URL == nil {
		return ""
	}
	return r.URL.String()
}

func (r Request) clone() Request {
	c := r
	c.Method = r.method()

	if r.URL != nil {
		u := *r.URL
		if r.URL.User != nil {
			u.User = new(url.Userinfo)
			*u.User = *r.URL.User
		}
		c.URL = &u
	}

	c.Form = maps.Clone(r.Form)

	if r.Cookies != nil {
		c.Cookies = make([]*http.Cookie, 0, len(r.Cookies))
		for _, ck := range r.Cookies {
			if ck == nil {
				continue
			}
			cp := *ck
			c.Cookies = append(c.Cookies, &cp)
		}
	}

	return c
}

// build creates the wire request for one attempt. Each attempt gets a fresh
// body reader.
func (r Request) build(ctx context.Context, userAgent string, headers http.Header) (*http.Request, error) {
	var body *strings.Reader
	if r.method() == http.MethodPost {
		body = strings.NewReader(r.Body())
	}

	var (
		req *http.Request
		err error
	)
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, r.method(), r.URL.String(), body)
	} else {
		req, err = http.NewRequestWithContext(ctx, r.method(), r.URL.String(), nil)
	}
	if err != nil {
		return nil, fetchErrors.NewInvalidRequestError(err, r.resource())
	}

	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	if body != nil {
		req.Header.Set("Content-Type", formContentType)
	}

	for _, c := range r.Cookies {
		req.AddCookie(c)
	}

	return req, nil
}
