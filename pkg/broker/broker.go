// Package broker resolves the Redis connection shared by the enqueue side and the
// result store. Two deployment modes are supported:
//   - standalone: a single Redis node (development, self-hosted)
//   - sentinel: a replica set discovered through Redis Sentinel (HA deployments)
//
// Resolve is evaluated once at process start and never retries; any problem is a
// *tasks.ConfigurationError.
package broker

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/faultmaven/jobworker/pkg/tasks"
)

// Mode selects the deployment topology.
type Mode string

const (
	ModeStandalone Mode = "standalone"
	ModeSentinel   Mode = "sentinel"
)

// ParseMode normalises a mode string. An empty string means standalone.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeStandalone:
		return ModeStandalone, nil
	case ModeSentinel:
		return ModeSentinel, nil
	}
	return "", tasks.Configf("redis.mode", "unrecognized mode %q (want standalone or sentinel)", s)
}

// Params carries the per-mode connection fields.
type Params struct {
	// standalone
	Host string
	Port int

	// sentinel
	SentinelAddrs []string
	MasterName    string

	DB       int
	Password string
}

// Descriptor is the canonical connection target.
//
// URI examples:
//
//	redis://localhost:6379/0
//	redis://:password@localhost:6379/0
//	sentinel://:password@host1:26379;host2:26379/mymaster
type Descriptor struct {
	Mode       Mode
	URI        string
	Addr       string   // standalone host:port
	Sentinels  []string // sentinel endpoints, order preserved
	MasterName string
	DB         int
	Password   string
}

// SentinelDelimiter joins discovery endpoints in a sentinel URI.
const SentinelDelimiter = ";"

// Resolve derives the Descriptor for mode from p.
func Resolve(mode Mode, p Params) (Descriptor, error) {
	if p.DB < 0 {
		return Descriptor{}, tasks.Configf("redis.db", "must be >= 0, got %d", p.DB)
	}
	auth := ""
	if p.Password != "" {
		auth = ":" + p.Password + "@"
	}

	switch mode {
	case ModeStandalone:
		host := strings.TrimSpace(p.Host)
		if host == "" {
			return Descriptor{}, tasks.Configf("redis.host", "is required in standalone mode")
		}
		if p.Port <= 0 || p.Port > 65535 {
			return Descriptor{}, tasks.Configf("redis.port", "must be between 1 and 65535, got %d", p.Port)
		}
		addr := net.JoinHostPort(host, strconv.Itoa(p.Port))
		return Descriptor{
			Mode:     ModeStandalone,
			URI:      fmt.Sprintf("redis://%s%s/%d", auth, addr, p.DB),
			Addr:     addr,
			DB:       p.DB,
			Password: p.Password,
		}, nil

	case ModeSentinel:
		addrs, err := NormalizeEndpoints(p.SentinelAddrs)
		if err != nil {
			return Descriptor{}, err
		}
		master := strings.TrimSpace(p.MasterName)
		if master == "" {
			return Descriptor{}, tasks.Configf("redis.master_set", "is required in sentinel mode")
		}
		return Descriptor{
			Mode:       ModeSentinel,
			URI:        fmt.Sprintf("sentinel://%s%s/%s", auth, strings.Join(addrs, SentinelDelimiter), master),
			Sentinels:  addrs,
			MasterName: master,
			DB:         p.DB,
			Password:   p.Password,
		}, nil
	}
	return Descriptor{}, tasks.Configf("redis.mode", "unrecognized mode %q (want standalone or sentinel)", mode)
}

// NormalizeEndpoints splits comma or semicolon separated host:port lists, strips
// whitespace and drops repeats while keeping first-seen order.
func NormalizeEndpoints(in []string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	for _, raw := range in {
		for _, ep := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ';' }) {
			ep = strings.ReplaceAll(ep, " ", "")
			if ep == "" {
				continue
			}
			host, port, err := net.SplitHostPort(ep)
			if err != nil || host == "" {
				return nil, tasks.Configf("redis.sentinel_hosts", "malformed endpoint %q (want host:port)", ep)
			}
			if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
				return nil, tasks.Configf("redis.sentinel_hosts", "invalid port in endpoint %q", ep)
			}
			if _, dup := seen[ep]; dup {
				continue
			}
			seen[ep] = struct{}{}
			out = append(out, ep)
		}
	}
	if len(out) == 0 {
		return nil, tasks.Configf("redis.sentinel_hosts", "at least one sentinel endpoint is required")
	}
	return out, nil
}

// Redacted returns the URI with the password masked, for logging.
func (d Descriptor) Redacted() string {
	if d.Password == "" {
		return d.URI
	}
	return strings.Replace(d.URI, ":"+d.Password+"@", ":****@", 1)
}
