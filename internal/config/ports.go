package config

import (
	"fmt"
	"strconv"
	"strings"
)

const defaultPortFamily = "tcp"

// ExposePort describes one host-port to container-port mapping.
type ExposePort struct {
	// HostPort is the externally visible port.
	HostPort uint16 `yaml:"host_port"`

	// ContainerPort is the port inside the container. Zero means "same as
	// HostPort"; use EffectiveContainerPort when compiling.
	ContainerPort uint16 `yaml:"container_port"`

	// Family is the transport protocol, tcp or udp. Defaults to tcp.
	Family string `yaml:"family"`
}

// EffectiveContainerPort returns the container port, falling back to the
// host port when unset.
func (p ExposePort) EffectiveContainerPort() uint16 {
	if p.ContainerPort != 0 {
		return p.ContainerPort
	}
	return p.HostPort
}

// String renders the canonical "<host>[:<container>]/<family>" form.
func (p ExposePort) String() string {
	if p.ContainerPort != 0 && p.ContainerPort != p.HostPort {
		return fmt.Sprintf("%d:%d/%s", p.HostPort, p.ContainerPort, p.Family)
	}
	return fmt.Sprintf("%d/%s", p.HostPort, p.Family)
}

// ParseExposePort parses "<host>[:<container>][/<family>]", e.g. "80",
// "53/udp" or "80:8080/tcp".
func ParseExposePort(s string) (ExposePort, error) {
	p := ExposePort{Family: defaultPortFamily}

	portPart := s
	if slash := strings.IndexByte(s, '/'); slash >= 0 {
		portPart = s[:slash]
		fam := s[slash+1:]
		if fam == "" || strings.ContainsRune(fam, '/') {
			return p, fmt.Errorf("port string has invalid format %q", s)
		}
		p.Family = strings.ToLower(fam)
	}

	host, container, found := strings.Cut(portPart, ":")
	hp, err := parsePortNumber(host)
	if err != nil {
		return p, fmt.Errorf("port string %q: %w", s, err)
	}
	p.HostPort = hp
	if found {
		cp, err := parsePortNumber(container)
		if err != nil {
			return p, fmt.Errorf("port string %q: %w", s, err)
		}
		p.ContainerPort = cp
	}
	return p, nil
}

func parsePortNumber(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if n == 0 {
		return 0, fmt.Errorf("port must be 1-65535, got 0")
	}
	return uint16(n), nil
}

// ExposePortList accepts the polymorphic forms the policy file allows:
// a single integer, a single string, a single mapping, or a list of any
// of those.
type ExposePortList []ExposePort

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *ExposePortList) UnmarshalYAML(unmarshal func(any) error) error {
	var items []any
	if err := unmarshal(&items); err != nil {
		// Not a sequence; retry as a single item.
		var single any
		if err := unmarshal(&single); err != nil {
			return err
		}
		items = []any{single}
	}

	out := make(ExposePortList, 0, len(items))
	for _, item := range items {
		p, err := exposePortFromAny(item)
		if err != nil {
			return err
		}
		out = append(out, p)
	}
	*l = out
	return nil
}

func exposePortFromAny(v any) (ExposePort, error) {
	switch t := v.(type) {
	case int:
		if t <= 0 || t > 65535 {
			return ExposePort{}, fmt.Errorf("port must be 1-65535, got %d", t)
		}
		return ExposePort{HostPort: uint16(t), Family: defaultPortFamily}, nil
	case string:
		return ParseExposePort(t)
	case map[any]any:
		return exposePortFromMap(t)
	default:
		return ExposePort{}, fmt.Errorf("expose_port entry has unsupported type %T", v)
	}
}

func exposePortFromMap(m map[any]any) (ExposePort, error) {
	p := ExposePort{Family: defaultPortFamily}
	for k, v := range m {
		key, ok := k.(string)
		if !ok {
			return p, fmt.Errorf("expose_port mapping has non-string key %v", k)
		}
		switch key {
		case "host_port":
			n, ok := v.(int)
			if !ok || n <= 0 || n > 65535 {
				return p, fmt.Errorf("expose_port host_port %v is not a valid port", v)
			}
			p.HostPort = uint16(n)
		case "container_port":
			n, ok := v.(int)
			if !ok || n <= 0 || n > 65535 {
				return p, fmt.Errorf("expose_port container_port %v is not a valid port", v)
			}
			p.ContainerPort = uint16(n)
		case "family":
			s, ok := v.(string)
			if !ok {
				return p, fmt.Errorf("expose_port family %v is not a string", v)
			}
			p.Family = strings.ToLower(s)
		default:
			return p, fmt.Errorf("expose_port mapping has unknown key %q", key)
		}
	}
	if p.HostPort == 0 {
		return p, fmt.Errorf("expose_port mapping is missing host_port")
	}
	return p, nil
}

// StringList accepts either a single string or a list of strings.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *StringList) UnmarshalYAML(unmarshal func(any) error) error {
	var multi []string
	if err := unmarshal(&multi); err == nil {
		*l = multi
		return nil
	}
	var single string
	if err := unmarshal(&single); err != nil {
		return err
	}
	*l = StringList{single}
	return nil
}
