package ratelimit

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
)

// WalletHeader carries the caller's wallet address on header-signed requests.
const WalletHeader = "X-Wallet-Address"

const maxPeekBytes = 1 << 20

// DeriveKey returns "ip:wallet" when the request names a wallet in the
// WalletHeader or a JSON walletAddress body field, and "ip" otherwise. The
// result is lowercased. A consumed body is restored for later handlers.
func DeriveKey(r *http.Request) string {
	ip := ClientIP(r)
	if wallet := walletFromRequest(r); wallet != "" {
		return strings.ToLower(ip + ":" + wallet)
	}
	return strings.ToLower(ip)
}

// ClientIP returns the request's remote host without its port. chi's RealIP
// middleware has already rewritten RemoteAddr from proxy headers.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func walletFromRequest(r *http.Request) string {
	if w := strings.TrimSpace(r.Header.Get(WalletHeader)); w != "" {
		return w
	}
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return ""
	}

	orig := r.Body
	body, err := io.ReadAll(io.LimitReader(orig, maxPeekBytes))
	r.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(body), orig), Closer: orig}
	if err != nil || len(body) == 0 || len(body) == maxPeekBytes {
		return ""
	}

	var peek struct {
		WalletAddress string `json:"walletAddress"`
	}
	if json.Unmarshal(body, &peek) != nil {
		return ""
	}
	return strings.TrimSpace(peek.WalletAddress)
}

type readCloser struct {
	io.Reader
	io.Closer
}
