package normalize

import (
	"net/url"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

var trackingParams = map[string]bool{
	"fbclid": true, "gclid": true, "msclkid": true, "mc_cid": true,
	"mc_eid": true, "ref": true, "ref_src": true, "_ga": true, "igshid": true,
}

// CanonicalURL lowercases scheme and host, strips "www.", drops the
// fragment, tracking parameters and a trailing slash, and sorts the
// remaining query parameters.
func CanonicalURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", eris.New("normalize: empty url")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", eris.Wrapf(err, "normalize: parse url %q", raw)
	}
	if u.Host == "" {
		return "", eris.Errorf("normalize: url %q has no host", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", eris.Errorf("normalize: unsupported scheme %q", u.Scheme)
	}
	u.Host = strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	u.Host = strings.TrimSuffix(u.Host, ":443")
	u.Host = strings.TrimSuffix(u.Host, ":80")
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil

	q := u.Query()
	for k := range q {
		if trackingParams[strings.ToLower(k)] || strings.HasPrefix(strings.ToLower(k), "utm_") {
			q.Del(k)
		}
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		vals := q[k]
		sort.Strings(vals)
		for j, v := range vals {
			if i > 0 || j > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	u.RawQuery = b.String()

	if len(u.Path) > 1 {
		u.Path = strings.TrimRight(u.Path, "/")
		u.RawPath = ""
	}
	if u.Path == "/" {
		u.Path = ""
	}
	return u.String(), nil
}

// CanonicalWebsite reduces a URL or bare domain to its lowercase host
// without "www.", e.g. "https://www.ClassicMotors.com/inventory" becomes
// "classicmotors.com". Returns "" when raw has no usable host.
func CanonicalWebsite(raw string) string {
	c, err := CanonicalURL(raw)
	if err != nil {
		return ""
	}
	u, err := url.Parse(c)
	if err != nil {
		return ""
	}
	host := u.Hostname()
	if !strings.Contains(host, ".") {
		return ""
	}
	return host
}

// Host returns the lowercase host of raw without "www.", or "".
func Host(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
