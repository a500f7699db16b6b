// Package store provides the entity store backends.
package store

import (
	"net"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/publicsuffix"

	"Go2NetGraph/internal/model"
)

var hostnameRe = regexp.MustCompile(`^([a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z0-9-]{2,63}$`)

// Classify returns the node type and normalised value of text, or false
// when text is not an entity. IPv6 addresses are not entities.
func Classify(text string) (string, string, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", "", false
	}

	if ip := net.ParseIP(text); ip != nil {
		if ip.To4() != nil && strings.Count(text, ".") == 3 {
			return model.NodeTypeIP, ip.To4().String(), true
		}
		return "", "", false
	}

	if strings.Contains(text, "://") {
		u, err := url.Parse(text)
		if err != nil || u.Host == "" {
			return "", "", false
		}
		switch u.Scheme {
		case "http", "https", "ftp":
			return model.NodeTypeURL, text, true
		}
		return "", "", false
	}

	host := strings.ToLower(strings.TrimSuffix(text, "."))
	if isHostname(host) {
		return model.NodeTypeHostname, host, true
	}
	return "", "", false
}

func isHostname(host string) bool {
	if len(host) > 253 || !hostnameRe.MatchString(host) {
		return false
	}
	suffix, icann := publicsuffix.PublicSuffix(host)
	if !icann && !strings.Contains(suffix, ".") {
		// unlisted TLD, e.g. ".local"
		return false
	}
	_, err := publicsuffix.EffectiveTLDPlusOne(host)
	return err == nil
}
