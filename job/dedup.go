package job

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
	"unicode"
)

// Normalization policy for dedup keys:
//
//   - scheme and host are lowercased
//   - the fragment is dropped
//   - tracking query parameters (utm_*, ref, source, fbclid, gclid) are
//     dropped; remaining parameters are kept in sorted order
//   - a trailing slash is trimmed from the path
//   - the title is lowercased with runs of non-alphanumerics collapsed
//     to single spaces
//
// The key is sha256(normalizedURL + "|" + normalizedTitle). Two active
// jobs may never hold the same key.

var trackingParams = map[string]bool{
	"ref":    true,
	"source": true,
	"fbclid": true,
	"gclid":  true,
}

func droppedParam(name string) bool {
	return trackingParams[name] || strings.HasPrefix(name, "utm_")
}

// DedupKey computes the duplicate-suppression key for a source URL and
// its resolved title. The title may be empty when not yet known.
func DedupKey(sourceURL, title string) string {
	sum := sha256.Sum256([]byte(NormalizeURL(sourceURL) + "|" + normalizeTitle(title)))
	return hex.EncodeToString(sum[:])
}

// NormalizeURL applies the dedup normalization policy to a URL. Inputs
// that do not parse are lowercased and trimmed as-is so that a malformed
// locator still dedups against an identical resubmission.
func NormalizeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.ToLower(strings.TrimSpace(raw))
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")

	q := u.Query()
	keys := make([]string, 0, len(q))
	for k := range q {
		if droppedParam(strings.ToLower(k)) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		vals := q[k]
		sort.Strings(vals)
		for _, v := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	u.RawQuery = b.String()

	return u.String()
}

func normalizeTitle(title string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(strings.TrimSpace(title)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		} else {
			space = true
		}
	}
	return b.String()
}
