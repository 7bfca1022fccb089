package openid

import (
	"net/url"
	"sort"
	"strings"
)

const (
	// NamespaceOpenID20 はOpenID 2.0メッセージのopenid.ns値。
	NamespaceOpenID20 = "http://specs.openid.net/auth/2.0"
	// NamespaceSReg11 はSimple Registration 1.1拡張の名前空間。
	NamespaceSReg11 = "http://openid.net/extensions/sreg/1.1"
)

// AuthRequest はディスカバリー済みのプロバイダーに対する認証リクエストを表す。
type AuthRequest struct {
	Endpoint *Endpoint

	// namespace → key → value
	extensionArgs map[string]map[string]string
}

// NewAuthRequest はAuthRequestを生成する。
func NewAuthRequest(ep *Endpoint) *AuthRequest {
	return &AuthRequest{
		Endpoint:      ep,
		extensionArgs: make(map[string]map[string]string),
	}
}

// AddExtensionArg は拡張引数（openid.<namespace>.<key>=<value>）を追加する。
func (a *AuthRequest) AddExtensionArg(namespace, key, value string) {
	args, ok := a.extensionArgs[namespace]
	if !ok {
		args = make(map[string]string)
		a.extensionArgs[namespace] = args
	}
	args[key] = value
}

// ExtensionArg は追加済みの拡張引数を返す。
func (a *AuthRequest) ExtensionArg(namespace, key string) (string, bool) {
	v, ok := a.extensionArgs[namespace][key]
	return v, ok
}

// RedirectURL はプロバイダーへのcheckid_setupリダイレクトURLを構築する。
// realmは2.0ではopenid.realm、1.xではopenid.trust_rootとして送る。
func (a *AuthRequest) RedirectURL(realm, returnTo string) string {
	v := url.Values{}
	v.Set("openid.mode", "checkid_setup")
	v.Set("openid.return_to", returnTo)

	ep := a.Endpoint
	if ep.Version == Version20 {
		v.Set("openid.ns", NamespaceOpenID20)
		v.Set("openid.realm", realm)
		v.Set("openid.claimed_id", ep.ClaimedID)
		v.Set("openid.identity", ep.Identity())
	} else {
		v.Set("openid.trust_root", realm)
		v.Set("openid.identity", ep.Identity())
	}

	namespaces := make([]string, 0, len(a.extensionArgs))
	for ns := range a.extensionArgs {
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)

	for _, ns := range namespaces {
		if ep.Version == Version20 && ns == "sreg" {
			v.Set("openid.ns.sreg", NamespaceSReg11)
		}
		for key, value := range a.extensionArgs[ns] {
			v.Set("openid."+ns+"."+key, value)
		}
	}

	querySeparator := "?"
	if strings.Contains(ep.OPEndpoint, "?") {
		querySeparator = "&"
	}
	return ep.OPEndpoint + querySeparator + v.Encode()
}
