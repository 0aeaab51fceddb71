// Package security はJira連携に関するセキュリティ機能を提供する。
package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// OutboundGuard はユーザーが登録したJiraサイトへの外向き通信を保護する。
// Jira URLはユーザー入力のため、内部ネットワークへのリクエストを防ぐ必要がある。
type OutboundGuard interface {
	// NewClient はプライベートIP・ループバック・メタデータIPへの接続を
	// Dialerレベルで拒否するHTTPクライアントを生成する。
	NewClient(timeout time.Duration) *http.Client

	// NormalizeBaseURL はJiraサイトURLを検証し、末尾スラッシュを除いたベースURLを返す。
	NormalizeBaseURL(rawURL string) (string, error)
}

var allowedSchemes = []string{"http", "https"}

// blockedNetworks はDNS解決前の静的チェックで拒否するネットワーク範囲。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16", // クラウドメタデータIPを含む
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

type outboundGuard struct{}

// NewOutboundGuard はOutboundGuardを生成する。
func NewOutboundGuard() OutboundGuard {
	return &outboundGuard{}
}

// NewClient はsafeurlでラップしたHTTPクライアントを生成する。
// DNS解決後のIPもDialerのControlフックで検証されるためDNS再バインディングにも対応する。
func (g *outboundGuard) NewClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(80, 443).
		Build()

	return safeurl.Client(config).Client
}

// NormalizeBaseURL はJiraサイトURLを検証する。
// 認証情報・クエリ・フラグメントを含むURLは拒否する。
func (g *outboundGuard) NormalizeBaseURL(rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", fmt.Errorf("Jira URLが空です")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("Jira URLの形式が不正です: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return "", fmt.Errorf("許可されていないスキームです: %s", scheme)
	}
	if parsed.User != nil {
		return "", fmt.Errorf("Jira URLに認証情報を含めることはできません")
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return "", fmt.Errorf("Jira URLにクエリやフラグメントを含めることはできません")
	}

	host := parsed.Hostname()
	if host == "" {
		return "", fmt.Errorf("Jira URLのホストが空です: %s", rawURL)
	}
	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return "", fmt.Errorf("ブロック対象のIPアドレスです: %s", ip.String())
		}
	} else if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return "", fmt.Errorf("ブロック対象のホストです: %s", host)
	}

	return scheme + "://" + parsed.Host + strings.TrimRight(parsed.Path, "/"), nil
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
