// Package ifacestat scrapes NIC counters via ethtool, so the final report
// can show what the hardware saw next to what the ring engine counted.
package ifacestat

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os/exec"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
)

type Counter int

const (
	TxPackets Counter = iota
	TxBytes
	RxPackets
	RxBytes
)

// keys returns the ethtool stat names for the counter, preferred first.
// Physical-function counters exist on real NICs; veth and other virtual
// devices used in test namespaces only expose the plain names.
func (c Counter) keys() []string {
	switch c {
	case TxPackets:
		return []string{"tx_packets_phy", "tx_packets"}
	case TxBytes:
		return []string{"tx_bytes_phy", "tx_bytes"}
	case RxPackets:
		return []string{"rx_packets_phy", "rx_packets"}
	case RxBytes:
		return []string{"rx_bytes_phy", "rx_bytes"}
	}
	return nil
}

// Per-interface values.
type IfaceStats map[Counter]uint64

// Multi-interface stats.
type Stats map[string]IfaceStats

// Snapshot runs ethtool -S on all interfaces and returns a Snapshot.
func Snapshot(ifaces []string, counters ...Counter) (Stats, error) {
	s := make(Stats)
	for _, iface := range ifaces {
		vals, err := readIface(iface, counters)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", iface, err)
		}
		s[iface] = vals
	}
	return s, nil
}

// Since computes s(now) - old.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats)
	for ifc, now := range s {
		prev := old[ifc]
		diff := make(IfaceStats, len(now))
		for ctr, v := range now {
			diff[ctr] = v - prev[ctr]
		}
		out[ifc] = diff
	}
	return out
}

func readIface(name string, counters []Counter) (IfaceStats, error) {
	out, err := exec.Command("ethtool", "-S", name).Output()
	if err != nil {
		return nil, err
	}

	// key name -> (counter, preference rank)
	type target struct {
		ctr  Counter
		rank int
	}
	want := make(map[string]target, len(counters)*2)
	for _, c := range counters {
		for rank, key := range c.keys() {
			want[key] = target{ctr: c, rank: rank}
		}
	}

	found := make(IfaceStats, len(counters))
	rank := make(map[Counter]int, len(counters))

	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSuffix(parts[0], ":")
		tgt, ok := want[key]
		if !ok {
			continue
		}
		if prev, seen := rank[tgt.ctr]; seen && prev <= tgt.rank {
			continue // a preferred key already matched
		}

		var v uint64
		if _, err := fmt.Sscan(parts[1], &v); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		found[tgt.ctr] = v
		rank[tgt.ctr] = tgt.rank
	}

	// ensure all counters exist
	for _, ctr := range counters {
		if _, ok := found[ctr]; !ok {
			found[ctr] = 0
		}
	}

	return found, nil
}

func Print(w io.Writer, s Stats, aliases map[string]string) error {
	ifaces := make([]string, 0, len(s))
	for iface := range s {
		ifaces = append(ifaces, iface)
	}
	slices.Sort(ifaces)

	for _, iface := range ifaces {
		stats := s[iface]

		txPkts := stats[TxPackets]
		txBytes := stats[TxBytes]
		rxPkts := stats[RxPackets]
		rxBytes := stats[RxBytes]

		if alias, ok := aliases[iface]; ok {
			fmt.Fprintf(w, "%s (%s):\n", iface, alias)
		} else {
			fmt.Fprintf(w, "%s :\n", iface)
		}

		fmt.Fprintf(w, "  TX   %-12d  ≈ %-8s (%s)\n",
			txPkts, humanize.Bytes(txBytes), humanize.Comma(int64(txBytes)),
		)
		fmt.Fprintf(w, "  RX   %-12d  ≈ %-8s (%s)\n",
			rxPkts, humanize.Bytes(rxBytes), humanize.Comma(int64(rxBytes)),
		)
	}

	return nil
}
