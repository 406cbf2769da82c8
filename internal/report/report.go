// Package report renders store snapshots as text: the fixed-width results
// table, the human-readable finding detail, and a boxed terminal table.
package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/anstrom/portscribe/internal/findings"
)

const rowFormat = "%-30s\t%-15s\t%-10s\t%-10s\t%-10s\t%-10s\t%s\n"

// Header holds the column titles of the results table.
var Header = []string{"URL", "IP Address", "Open Ports", "Protocol", "State", "Service", "Version"}

type hostGroup struct {
	hostname  string
	ipAddress string
	entries   []findings.Entry
}

// groupByHost groups entries by (hostname, ip) in first-seen group order.
// Entries inside a group keep their snapshot order.
func groupByHost(entries []findings.Entry) []*hostGroup {
	type groupKey struct{ hostname, ip string }

	index := make(map[groupKey]*hostGroup)
	var groups []*hostGroup
	for _, e := range entries {
		k := groupKey{e.Key.Hostname, e.Key.IPAddress}
		g, ok := index[k]
		if !ok {
			g = &hostGroup{hostname: k.hostname, ipAddress: k.ip}
			index[k] = g
			groups = append(groups, g)
		}
		g.entries = append(g.entries, e)
	}
	return groups
}

// Table renders entries as the fixed-column results table. An empty input
// produces the header row only.
func Table(entries []findings.Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, rowFormat, Header[0], Header[1], Header[2], Header[3], Header[4], Header[5], Header[6])

	for _, g := range groupByHost(entries) {
		for _, e := range g.entries {
			fmt.Fprintf(&b, rowFormat,
				g.hostname,
				g.ipAddress,
				e.Key.Port,
				string(e.Finding.Protocol),
				e.Finding.State,
				e.Finding.Service,
				e.Finding.Version)
		}
	}
	return b.String()
}

// Detail renders the finding description handed to the sink for a session
// against hostname.
func Detail(hostname string, entries []findings.Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The following open ports and services were identified during an Nmap scan on %s:\n\n", hostname)
	for _, e := range entries {
		fmt.Fprintf(&b, "Host: %s\nIP Address: %s\nPort: %s\nProtocol: %s\nState: %s\nService: %s\nVersion: %s\n\n",
			e.Key.Hostname,
			e.Key.IPAddress,
			e.Key.Port,
			e.Finding.Protocol,
			e.Finding.State,
			e.Finding.Service,
			e.Finding.Version)
	}
	return b.String()
}

// WritePretty writes entries to w as a boxed table for terminals.
func WritePretty(w io.Writer, entries []findings.Entry) error {
	table := tablewriter.NewWriter(w)
	table.Header("URL", "IP Address", "Open Ports", "Protocol", "State", "Service", "Version")

	for _, g := range groupByHost(entries) {
		for _, e := range g.entries {
			if err := table.Append([]string{
				g.hostname,
				g.ipAddress,
				e.Key.Port,
				string(e.Finding.Protocol),
				e.Finding.State,
				e.Finding.Service,
				e.Finding.Version,
			}); err != nil {
				return fmt.Errorf("failed to append row: %w", err)
			}
		}
	}

	return table.Render()
}
