// Package doh1 implements the DNS-over-HTTPS/1.1 upstream transport, in
// both its single persistent-connection form and its fixed-size
// worker-pool ("multi") form.
package doh1

import (
	"encoding/base64"

	"cloakdns/internal/bufutil"
)

// buildGetRequest renders a base64url-encoded GET /dns-query request
// line, matching the original's genrequrlh1. A configured custom path
// replaces the default "/dns-query".
func buildGetRequest(serverName, customPath string, query []byte) []byte {
	path := customPath
	if path == "" {
		path = "/dns-query"
	}
	encoded := base64.RawURLEncoding.EncodeToString(query)
	buf := make([]byte, 0, len(path)+len(encoded)+len(serverName)+64)
	b := bufutil.NewBuffering(buf[:cap(buf)])
	b.WriteString("GET ").WriteString(path).WriteString("?dns=")
	b.WriteString(encoded)
	b.WriteString(" HTTP/1.1\r\nHost: ").WriteString(serverName)
	b.WriteString("\r\nConnection: keep-alive\r\nAccept: application/dns-message\r\n\r\n")
	return b.Get()
}
