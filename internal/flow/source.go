package flow

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os/exec"
	"strings"
)

var ErrUnsupported = errors.New("flow source not supported on this platform")

// Source yields the raw records of the flows currently touching the protected host.
type Source interface {
	Flows(ctx context.Context) ([]string, error)
}

// Runner executes a command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// CLISource lists flows with the conntrack(8) tool.
type CLISource struct {
	host  netip.Addr
	proto string
	run   Runner
}

func NewCLISource(host netip.Addr, proto string) *CLISource {
	return &CLISource{host: host, proto: proto, run: execRunner}
}

// WithRunner swaps the command runner (tests, dry runs).
func (s *CLISource) WithRunner(r Runner) *CLISource {
	s.run = r
	return s
}

func (s *CLISource) Flows(ctx context.Context) ([]string, error) {
	out, err := s.run(ctx, "conntrack", "-L", "-p", s.proto)
	if err != nil {
		return nil, fmt.Errorf("conntrack -L -p %s: %w", s.proto, err)
	}
	return FilterHost(out, s.host), nil
}

// FilterHost keeps the non-empty lines in which host appears as a src= or dst=
// value.
func FilterHost(out []byte, host netip.Addr) []string {
	h := host.String()
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		for _, tok := range strings.Fields(line) {
			if tok == "src="+h || tok == "dst="+h {
				lines = append(lines, line)
				break
			}
		}
	}
	return lines
}

// ProtoNumber maps a transport name to its IP protocol number.
func ProtoNumber(proto string) (uint8, bool) {
	switch strings.ToLower(proto) {
	case "tcp":
		return 6, true
	case "udp":
		return 17, true
	}
	return 0, false
}
