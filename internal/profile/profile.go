// Package profile stores NTRIP connection profiles.
//
// A profile's identity is (host, port, username, mount point). The password
// is not part of it, so re-adding a known profile with a different password
// keeps the stored one.
package profile

import (
	"fmt"
	"strconv"
	"strings"

	"rtk-rover/internal/transport"
)

const (
	DefaultKey  = "NtripConfigs"
	DefaultPort = 2101
)

type Profile struct {
	Host       string `json:"hostname"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	MountPoint string `json:"mountPoint"`
}

type identity struct {
	host     string
	port     int
	username string
	mount    string
}

func (p Profile) key() identity {
	return identity{host: p.Host, port: p.Port, username: p.Username, mount: p.MountPoint}
}

// Same reports whether p and o have the same identity.
func (p Profile) Same(o Profile) bool {
	return p.key() == o.key()
}

// String is the display token used by Select.
func (p Profile) String() string {
	return fmt.Sprintf("%s:%d [%s] (%s)", p.Host, p.Port, p.MountPoint, p.Username)
}

func (p Profile) ConnectionInfo() transport.ConnectionInfo {
	return transport.ConnectionInfo{
		Host:     p.Host,
		Port:     p.Port,
		Username: p.Username,
		Password: p.Password,
	}
}

func FromSession(info transport.ConnectionInfo, mount string) Profile {
	return Profile{
		Host:       info.Host,
		Port:       info.Port,
		Username:   info.Username,
		Password:   info.Password,
		MountPoint: mount,
	}
}

// ParsePort parses a user-entered port, falling back to DefaultPort when the
// value is empty or not a valid TCP port.
func ParsePort(s string) int {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || v <= 0 || v > 65535 {
		return DefaultPort
	}
	return v
}
