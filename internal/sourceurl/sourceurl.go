// Package sourceurl re-encodes raster and mosaic source descriptors so they
// can travel as a query value inside another URL.
package sourceurl

import (
	"fmt"
	"net/url"
	"strings"
)

// EncodePathSegments escapes every path segment and every query key and
// value of raw independently, keeping scheme, userinfo, host and fragment.
// Input is decoded first, so encoding an already encoded URL is a no-op.
func EncodePathSegments(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("failed to parse source %q: %w", raw, err)
	}

	var b strings.Builder
	if u.Scheme != "" {
		b.WriteString(u.Scheme)
		b.WriteString(":")
	}
	if u.Host != "" || u.User != nil {
		b.WriteString("//")
		if u.User != nil {
			b.WriteString(u.User.String())
			b.WriteString("@")
		}
		b.WriteString(u.Host)
	}

	if u.Opaque != "" {
		b.WriteString(u.Opaque)
	} else {
		segments := strings.Split(u.Path, "/")
		for i, seg := range segments {
			segments[i] = url.PathEscape(seg)
		}
		b.WriteString(strings.Join(segments, "/"))
	}

	if u.RawQuery != "" || u.ForceQuery {
		b.WriteString("?")
		b.WriteString(encodeQuery(u.RawQuery))
	}

	if u.Fragment != "" {
		b.WriteString("#")
		b.WriteString(u.EscapedFragment())
	}

	return b.String(), nil
}

// encodeQuery keeps the original pair order, which url.Values would sort.
func encodeQuery(raw string) string {
	if raw == "" {
		return ""
	}
	pairs := strings.Split(raw, "&")
	for i, pair := range pairs {
		key, value, hasValue := strings.Cut(pair, "=")
		pair = url.QueryEscape(unescape(key))
		if hasValue {
			pair += "=" + url.QueryEscape(unescape(value))
		}
		pairs[i] = pair
	}
	return strings.Join(pairs, "&")
}

func unescape(s string) string {
	if v, err := url.QueryUnescape(s); err == nil {
		return v
	}
	return s
}
