package common

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
)

// ForwardRule describes how the forwarder handles a listening port
type ForwardRule struct {
	ListenPort  uint16
	BackendHost string
	BackendPort uint16

	// resolved during load, example: net.ResolveTCPAddr("10.104.0.1:9001")
	Backend *net.TCPAddr
}

// ForwardRules is a map of ForwardRule instances, with the listen port as key
type ForwardRules map[uint16]*ForwardRule

// ResolveFunc resolves a backend host and port to a TCP address
type ResolveFunc func(host string, port uint16) (*net.TCPAddr, error)

// ConfigError is returned when a rule source is invalid
type ConfigError struct {
	Source string
	Line   int
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Line == 0 {
		return fmt.Sprintf("%s: %s", e.Source, e.Err)
	}
	return fmt.Sprintf("%s:%d: %s", e.Source, e.Line, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Rule parsing errors, wrapped in a ConfigError
var (
	ErrFieldCount    = errors.New("expected 3 comma-separated fields (listen_port,backend_host,backend_port)")
	ErrInvalidPort   = errors.New("invalid port")
	ErrEmptyHost     = errors.New("empty backend host")
	ErrDuplicatePort = errors.New("duplicate listen port")
)

// String returns a "port->host:port" representation of the rule
func (rule *ForwardRule) String() string {
	return fmt.Sprintf("%d->%s", rule.ListenPort, net.JoinHostPort(rule.BackendHost, strconv.Itoa(int(rule.BackendPort))))
}

// ResolveTCP is the default ResolveFunc
func ResolveTCP(host string, port uint16) (*net.TCPAddr, error) {
	return net.ResolveTCPAddr("tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
}

func parsePort(field string) (uint16, error) {
	port, err := strconv.ParseUint(field, 10, 16)
	if err != nil || port == 0 {
		return 0, fmt.Errorf("%w '%s'", ErrInvalidPort, field)
	}
	return uint16(port), nil
}

// ParseForwardRules reads one rule per line ("listen_port,backend_host,backend_port")
// from r. Blank lines are ignored, anything else that is not a valid rule
// fails the whole load with a *ConfigError. source is only used in errors.
func ParseForwardRules(r io.Reader, source string, resolve ResolveFunc) (ForwardRules, error) {
	if resolve == nil {
		resolve = ResolveTCP
	}

	rules := make(ForwardRules)
	scanner := bufio.NewScanner(r)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		fields := strings.Split(line, ",")
		if len(fields) != 3 {
			return nil, &ConfigError{Source: source, Line: lineNum, Err: ErrFieldCount}
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}

		listenPort, err := parsePort(fields[0])
		if err != nil {
			return nil, &ConfigError{Source: source, Line: lineNum, Err: err}
		}

		host := fields[1]
		if host == "" {
			return nil, &ConfigError{Source: source, Line: lineNum, Err: ErrEmptyHost}
		}

		backendPort, err := parsePort(fields[2])
		if err != nil {
			return nil, &ConfigError{Source: source, Line: lineNum, Err: err}
		}

		if _, exists := rules[listenPort]; exists {
			return nil, &ConfigError{
				Source: source,
				Line:   lineNum,
				Err:    fmt.Errorf("%w %d", ErrDuplicatePort, listenPort),
			}
		}

		addr, err := resolve(host, backendPort)
		if err != nil {
			return nil, &ConfigError{
				Source: source,
				Line:   lineNum,
				Err:    fmt.Errorf("unable to resolve backend '%s': %w", host, err),
			}
		}

		rules[listenPort] = &ForwardRule{
			ListenPort:  listenPort,
			BackendHost: host,
			BackendPort: backendPort,
			Backend:     addr,
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, &ConfigError{Source: source, Line: lineNum, Err: err}
	}

	return rules, nil
}

// LoadForwardRulesFile parses the rules file filename
func LoadForwardRulesFile(filename string, resolve ResolveFunc) (ForwardRules, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, &ConfigError{Source: filename, Err: err}
	}
	defer f.Close()

	return ParseForwardRules(f, filename, resolve)
}

// Ports returns listen ports, sorted
func (rules ForwardRules) Ports() []uint16 {
	ports := make([]uint16, 0, len(rules))
	for port := range rules {
		ports = append(ports, port)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	return ports
}
