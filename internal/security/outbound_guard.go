// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// OutboundGuard は外部ディレクトリAPIへの発信を制限する。
// GITHUB_API_URLが誤って内部ネットワークを指していても、
// プライベートIPやメタデータIPへは接続しない。
type OutboundGuard struct {
	allowedPorts []int
}

// allowedSchemes は発信を許可するURLスキーム。
var allowedSchemes = []string{"http", "https"}

// blockedNetworks は発信を拒否するネットワーク範囲。
// 実際の接続先はsafeurlがDNS解決後に検証するため、ここでは設定値の事前検証にのみ使う。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		// クラウドメタデータIP (169.254.169.254) を含む
		"169.254.0.0/16",
		"0.0.0.0/8",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// NewOutboundGuard は接続先URLのポートを許可したOutboundGuardを生成する。
// 80と443は常に許可される。
func NewOutboundGuard(baseURL string) (*OutboundGuard, error) {
	if err := ValidateBaseURL(baseURL); err != nil {
		return nil, err
	}

	g := &OutboundGuard{allowedPorts: []int{80, 443}}
	parsed, _ := url.Parse(baseURL)
	if p := parsed.Port(); p != "" {
		port, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid port in %s: %w", baseURL, err)
		}
		if port != 80 && port != 443 {
			g.allowedPorts = append(g.allowedPorts, int(port))
		}
	}
	return g, nil
}

// NewClient は発信制限付きのHTTPクライアントを生成する。
// safeurlはnet.DialerのControlフックで解決後のIPアドレスを検証するため、
// DNS再バインディングにも対応する。
func (g *OutboundGuard) NewClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(g.allowedPorts...).
		Build()

	return safeurl.Client(config).Client
}

// ValidateBaseURL はディレクトリAPIのベースURLを静的に検証する。
// DNS解決は行わない。
func ValidateBaseURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return fmt.Errorf("disallowed scheme: %s (allowed: %v)", scheme, allowedSchemes)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}

	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}

	return nil
}

func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if scheme == allowed {
			return true
		}
	}
	return false
}

func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
