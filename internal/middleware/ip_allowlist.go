package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// IPAllowlist restricts a route group to localhost plus a configured list
// of IPs or CIDR ranges. With an empty list only localhost passes.
type IPAllowlist struct {
	logger     *logrus.Logger
	allowedIPs []string
}

func NewIPAllowlist(logger *logrus.Logger, allowedIPs []string) *IPAllowlist {
	return &IPAllowlist{logger: logger, allowedIPs: allowedIPs}
}

// Restrict rejects requests from addresses outside the allowlist.
func (l *IPAllowlist) Restrict() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		if l.isAllowed(clientIP) {
			c.Next()
			return
		}

		// ClientIP follows X-Forwarded-For; a direct loopback connection
		// behind a misconfigured proxy chain still gets in.
		remoteIP, _, _ := net.SplitHostPort(c.Request.RemoteAddr)
		if remoteIP != clientIP && isLoopback(remoteIP) {
			c.Next()
			return
		}

		l.logger.WithFields(logrus.Fields{
			"client_ip": clientIP,
			"remote_ip": remoteIP,
			"path":      c.Request.URL.Path,
			"method":    c.Request.Method,
		}).Warn("Rejected non-allowlisted access to admin API")

		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"ok":    false,
			"error": "This API is only accessible from allowed IP addresses",
			"code":  "IP_NOT_ALLOWED",
		})
	}
}

func isLoopback(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ip == "localhost"
	}
	return parsed.IsLoopback()
}

func (l *IPAllowlist) isAllowed(ip string) bool {
	if isLoopback(ip) {
		return true
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}

	for _, allowed := range l.allowedIPs {
		allowed = strings.TrimSpace(allowed)
		if strings.Contains(allowed, "/") {
			_, ipNet, err := net.ParseCIDR(allowed)
			if err != nil {
				l.logger.WithField("allowed", allowed).Warn("Invalid CIDR in admin allowed_ips")
				continue
			}
			if ipNet.Contains(parsed) {
				return true
			}
		} else if allowedIP := net.ParseIP(allowed); allowedIP != nil && allowedIP.Equal(parsed) {
			return true
		}
	}
	return false
}
