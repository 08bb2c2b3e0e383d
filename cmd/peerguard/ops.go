package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"

	"peerguard/internal/config"
	"peerguard/internal/firewall"
	"peerguard/internal/logging"
	"peerguard/internal/trust"
)

// trust list ----------------------------------------------------------------

func runTrust(args []string) error {
	if len(args) == 0 || args[0] != "list" {
		fmt.Fprintln(os.Stderr, "usage: peerguard trust list [-c DIR] [--json]")
		os.Exit(2)
	}
	fs := flag.NewFlagSet("trust list", flag.ExitOnError)
	dir := fs.String("c", "", "config directory")
	asJSON := fs.Bool("json", false, "output JSON")
	_ = fs.Parse(args[1:])

	cfg, _, err := loadConfig(*dir)
	if err != nil {
		return err
	}
	set, err := trust.NewStore(cfg.TrustFile, cfg.Host).Load()
	if err != nil && !errors.Is(err, trust.ErrNotFound) {
		return err
	}
	return printAddrs(os.Stdout, set.Sorted(), *asJSON, "(trust list is empty)")
}

func printAddrs(w io.Writer, addrs []string, asJSON bool, empty string) error {
	if asJSON {
		if addrs == nil {
			addrs = []string{}
		}
		b, err := json.MarshalIndent(addrs, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(b))
		return err
	}
	if len(addrs) == 0 {
		_, err := fmt.Fprintln(w, empty)
		return err
	}
	for _, a := range addrs {
		if _, err := fmt.Fprintln(w, a); err != nil {
			return err
		}
	}
	return nil
}

// list / reset ----------------------------------------------------------------

func backendFor(dir string) (firewall.Backend, error) {
	cfg, _, err := loadConfig(dir)
	if err != nil {
		return nil, err
	}
	return newBackend(cfg, logging.Discard())
}

func runList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	dir := fs.String("c", "", "config directory")
	asJSON := fs.Bool("json", false, "output JSON")
	_ = fs.Parse(args)

	be, err := backendFor(*dir)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := be.EnsureBase(ctx); err != nil {
		return err
	}
	entries, err := be.ListBlocks(ctx)
	if err != nil {
		return err
	}
	addrs := make([]string, 0, len(entries))
	for _, e := range entries {
		addrs = append(addrs, e.IP.String())
	}
	sort.Strings(addrs)
	return printAddrs(os.Stdout, addrs, *asJSON, "(no blocked sources)")
}

func runReset(args []string) error {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	dir := fs.String("c", "", "config directory")
	_ = fs.Parse(args)

	be, err := backendFor(*dir)
	if err != nil {
		return err
	}
	if err := be.ResetAll(context.Background()); err != nil {
		return err
	}
	fmt.Printf("✔ reset: flushed %s and %s in table inet %s\n", firewall.SetV4, firewall.SetV6, firewall.TableName)
	return nil
}

// test / env detection ----------------------------------------------------------

type check struct {
	name string
	fn   func() (string, bool)
}

func runTest(args []string) {
	fs := flag.NewFlagSet("test", flag.ExitOnError)
	dir := fs.String("c", "", "config directory")
	_ = fs.Parse(args)

	fmt.Println("== peerguard test ==")
	var cfg *config.Config
	checks := []check{
		{"nft (binary)", func() (string, bool) { return hasBinary("nft") }},
		{"conntrack (binary)", func() (string, bool) { return hasBinary("conntrack") }},
		{"kernel module: nf_tables", func() (string, bool) { return hasModule("nf_tables") }},
		{"kernel module: nf_conntrack", func() (string, bool) { return hasModule("nf_conntrack") }},
		{"kernel module: nf_conntrack_netlink", func() (string, bool) { return hasModule("nf_conntrack_netlink") }},
		{"config", func() (string, bool) {
			c, path, err := loadConfig(*dir)
			if err != nil {
				return err.Error(), false
			}
			cfg = c
			if path == "" {
				path = "(defaults + environment)"
			}
			return path, true
		}},
		{"trust list", func() (string, bool) {
			if cfg == nil {
				return "skipped, no valid config", false
			}
			set, err := trust.NewStore(cfg.TrustFile, cfg.Host).Load()
			if err != nil {
				return err.Error(), false
			}
			return fmt.Sprintf("%d sources in %s", set.Len(), cfg.TrustFile), true
		}},
	}
	for _, c := range checks {
		msg, ok := c.fn()
		status := "OK"
		if !ok {
			status = "MISSING"
		}
		fmt.Printf(" - %-36s : %-7s %s\n", c.name, status, msg)
	}
	if cfg != nil {
		fmt.Printf("\nHost %s, backend %s, flow source %s, chain %s\n", cfg.Host, cfg.Backend, cfg.FlowSource, cfg.Chain)
	}
}

func hasBinary(name string) (string, bool) {
	if p, err := exec.LookPath(name); err == nil {
		return p, true
	}
	return "not found in PATH", false
}

func hasModule(mod string) (string, bool) {
	if f, err := os.Open("/proc/modules"); err == nil {
		defer f.Close()
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			if strings.HasPrefix(sc.Text(), mod+" ") {
				return "present in /proc/modules", true
			}
		}
	}
	if _, err := exec.LookPath("modprobe"); err == nil {
		out, _ := exec.Command("modprobe", "-n", "-v", mod).CombinedOutput()
		if txt := strings.TrimSpace(string(out)); txt != "" {
			return "modprobe reports: " + short(txt, 120), true
		}
	}
	return "not loaded (and modprobe check inconclusive)", false
}

func short(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
