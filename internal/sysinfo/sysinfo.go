// ABOUTME: Captures the immutable system snapshot an agent reports at registration.

package sysinfo

import (
	"net"
	"os"
	"runtime"
	"strings"

	"github.com/google/uuid"

	"github.com/cmdmesh/cmdmesh/internal/protocol"
)

// Collect gathers the registration snapshot. A clientID of "" generates a
// fresh UUID; passing one pins the agent's identity across restarts so the
// controller's replacement rule applies instead of accumulating duplicates.
func Collect(clientID string) protocol.SystemInfo {
	if clientID == "" {
		clientID = uuid.New().String()
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	return protocol.SystemInfo{
		Hostname:        hostname,
		Platform:        runtime.GOOS,
		PlatformVersion: platformVersion(),
		RuntimeVersion:  runtime.Version(),
		ClientID:        clientID,
		IPAddress:       outboundIP(),
	}
}

// platformVersion is best-effort: the kernel/OS release where cheaply
// available, else the architecture as a coarse descriptor.
func platformVersion() string {
	if runtime.GOOS == "linux" {
		if data, err := os.ReadFile("/proc/sys/kernel/osrelease"); err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	return runtime.GOARCH
}

// outboundIP discovers the address the host would use for external traffic.
// The UDP dial does not send any packet; it only selects a route.
func outboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()

	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}
