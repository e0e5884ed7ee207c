package api

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// accessControl decides which clients may call the API.
type accessControl struct {
	ips      map[string]struct{}
	networks []*net.IPNet
	trusted  []*net.IPNet
}

func newAccessControl(allowed, trustedProxies []string) (*accessControl, error) {
	ac := &accessControl{ips: make(map[string]struct{})}
	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			_, network, err := net.ParseCIDR(entry)
			if err != nil {
				return nil, fmt.Errorf("allowed_ips: parse cidr %q: %w", entry, err)
			}
			ac.networks = append(ac.networks, network)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, fmt.Errorf("allowed_ips: invalid address %q", entry)
		}
		ac.ips[ip.String()] = struct{}{}
	}
	for _, entry := range trustedProxies {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		_, network, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("trusted_proxies: parse cidr %q: %w", entry, err)
		}
		ac.trusted = append(ac.trusted, network)
	}
	return ac, nil
}

func (ac *accessControl) openToAll() bool {
	return len(ac.ips) == 0 && len(ac.networks) == 0
}

func (ac *accessControl) allowed(ip net.IP) bool {
	if ac.openToAll() {
		return true
	}
	if ip == nil {
		return false
	}
	if _, ok := ac.ips[ip.String()]; ok {
		return true
	}
	return containsIP(ac.networks, ip)
}

// clientIP resolves the caller. X-Forwarded-For is only read when the
// connection comes from a trusted proxy, and then the rightmost hop that is
// not itself a trusted proxy wins.
func (ac *accessControl) clientIP(r *http.Request) net.IP {
	remote := parseHost(r.RemoteAddr)
	if remote == nil || !containsIP(ac.trusted, remote) {
		return remote
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		ip := net.ParseIP(strings.TrimSpace(hops[i]))
		if ip == nil {
			continue
		}
		if !containsIP(ac.trusted, ip) {
			return ip
		}
	}
	return remote
}

func (a *App) allowMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := a.access.clientIP(r)
		if !a.access.allowed(ip) {
			a.logger.Warn("request rejected", "remote_addr", r.RemoteAddr, "client_ip", ip, "path", r.URL.Path)
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func parseHost(addr string) net.IP {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	return net.ParseIP(host)
}

func containsIP(networks []*net.IPNet, ip net.IP) bool {
	for _, network := range networks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
