// Package magnet parses BitTorrent magnet links into identifiers and finds
// them inside larger text snapshots.
package magnet

import (
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
)

const (
	scheme     = "magnet:?"
	btihPrefix = "urn:btih:"
)

var linkPattern = regexp.MustCompile(`(?i)magnet:\?[^\s"'<>]+`)

// Parse extracts the canonical content hash, display name, and trackers from
// a magnet link. The hash is always returned as 40 lower-case hex characters;
// base32 hashes are converted.
func Parse(raw string, discoveredAt time.Time) (torrent.Identifier, error) {
	text := strings.TrimSpace(raw)
	if len(text) < len(scheme) || !strings.EqualFold(text[:len(scheme)], scheme) {
		return torrent.Identifier{}, fmt.Errorf("%w: missing magnet scheme", torrent.ErrParse)
	}
	values, err := url.ParseQuery(text[len(scheme):])
	if err != nil {
		return torrent.Identifier{}, fmt.Errorf("%w: query: %v", torrent.ErrParse, err)
	}
	hash := ""
	for _, xt := range values["xt"] {
		if len(xt) <= len(btihPrefix) || !strings.EqualFold(xt[:len(btihPrefix)], btihPrefix) {
			continue
		}
		hash, err = canonicalHash(xt[len(btihPrefix):])
		if err != nil {
			return torrent.Identifier{}, err
		}
		break
	}
	if hash == "" {
		return torrent.Identifier{}, fmt.Errorf("%w: no btih exact topic", torrent.ErrParse)
	}
	id := torrent.Identifier{
		RawText:      text,
		ContentHash:  hash,
		DisplayName:  strings.TrimSpace(values.Get("dn")),
		DiscoveredAt: discoveredAt,
	}
	for _, tr := range values["tr"] {
		if tr = strings.TrimSpace(tr); tr != "" {
			id.Trackers = append(id.Trackers, tr)
		}
	}
	return id, nil
}

func canonicalHash(value string) (string, error) {
	switch len(value) {
	case 40:
		if _, err := hex.DecodeString(value); err != nil {
			return "", fmt.Errorf("%w: invalid hex hash", torrent.ErrParse)
		}
		return strings.ToLower(value), nil
	case 32:
		decoded, err := base32.StdEncoding.DecodeString(strings.ToUpper(value))
		if err != nil {
			return "", fmt.Errorf("%w: invalid base32 hash", torrent.ErrParse)
		}
		return hex.EncodeToString(decoded), nil
	default:
		return "", fmt.Errorf("%w: hash length %d", torrent.ErrParse, len(value))
	}
}

// Extract returns every distinct magnet link found in text, in order of
// first appearance.
func Extract(text string) []string {
	matches := linkPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		m = strings.TrimRight(m, ".,;)]")
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}
