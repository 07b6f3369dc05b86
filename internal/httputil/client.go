package httputil

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/host"
)

// Version is stamped into the User-Agent; cmd/bioauth overrides it.
var Version = "dev"

const platformHeader = "X-Bioauth-Platform"

var (
	platformOnce sync.Once
	platform     string
)

// Platform describes the host as "os/platform version (arch)", for example
// "linux/ubuntu 24.04 (x86_64)". It falls back to GOOS/GOARCH.
func Platform() string {
	platformOnce.Do(func() {
		info, err := host.Info()
		if err != nil || info == nil {
			platform = runtime.GOOS + " (" + runtime.GOARCH + ")"
			return
		}
		p := info.OS
		if info.Platform != "" {
			p += "/" + info.Platform
			if info.PlatformVersion != "" {
				p += " " + info.PlatformVersion
			}
		}
		arch := info.KernelArch
		if arch == "" {
			arch = runtime.GOARCH
		}
		platform = fmt.Sprintf("%s (%s)", p, arch)
	})
	return platform
}

// SetClientHeaders adds the User-Agent and platform headers.
func SetClientHeaders(h http.Header) {
	h.Set("User-Agent", "bioauth/"+Version)
	h.Set(platformHeader, Platform())
}

// NewClient builds the HTTP client used for the credential service. A nil
// tlsConfig uses the system roots without a client certificate.
func NewClient(timeout time.Duration, tlsConfig *tls.Config) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:     tlsConfig,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        4,
		IdleConnTimeout:     90 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}
