// Package parser extracts facts from nmap's normal (-oN style) text output,
// one line at a time.
package parser

import (
	"net"
	"regexp"
	"strings"

	"github.com/anstrom/portscribe/internal/findings"
)

var (
	// "Nmap scan report for example.com (93.184.216.34)"
	namedReportPattern = regexp.MustCompile(`scan report for (.+) \(([0-9A-Fa-f:.]+(?:%[0-9A-Za-z]+)?)\)\s*$`)

	// "Nmap scan report for 93.184.216.34", printed when the target is an address.
	bareReportPattern = regexp.MustCompile(`scan report for (\S+)\s*$`)

	// "80/tcp   open  http    nginx 1.18.0 (Ubuntu)"
	// The version is the raw remainder of the line after the service column.
	portPattern = regexp.MustCompile(`^\s*(\d+)/(tcp|udp)\s+(\S+)\s+(\S+)(?:\s+(.*))?$`)
)

// Fact is a single port record extracted from a line.
type Fact struct {
	Key     findings.ScanKey
	Finding findings.PortFinding
}

// Parse inspects one line of scanner output. It returns the IP address to use
// for the rest of the session (currentIP unless the line is a scan report
// header) and the port fact on the line, if any. Lines that match neither
// form are ignored.
func Parse(line, hostname, currentIP string) (string, *Fact) {
	line = strings.TrimRight(line, "\r\n")

	if ip, ok := parseAddress(line); ok {
		return ip, nil
	}

	m := portPattern.FindStringSubmatch(line)
	if m == nil {
		return currentIP, nil
	}
	proto, err := findings.ParseProtocol(m[2])
	if err != nil {
		return currentIP, nil
	}

	return currentIP, &Fact{
		Key: findings.ScanKey{
			Hostname:  hostname,
			IPAddress: currentIP,
			Port:      m[1],
		},
		Finding: findings.PortFinding{
			Protocol: proto,
			State:    m[3],
			Service:  m[4],
			Version:  m[5],
		},
	}
}

func parseAddress(line string) (string, bool) {
	if m := namedReportPattern.FindStringSubmatch(line); m != nil {
		return m[2], true
	}
	if m := bareReportPattern.FindStringSubmatch(line); m != nil {
		if net.ParseIP(m[1]) != nil {
			return m[1], true
		}
	}
	return "", false
}
