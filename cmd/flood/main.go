// Command flood blasts UDP datagrams at the service port to exercise the
// classifier and ring path. Two modes: "flood" sends fixed-size zero
// payloads as fast as the rate limit allows, "emit" sends one wire-shaped
// mock transaction per interval with a varying trailing byte.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/lvboudre/afterburner/flood"
	"github.com/lvboudre/afterburner/ratelimit"
)

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

func main() {
	fTarget := flag.String("t", "127.0.0.1:8003", "target address")
	fMode := flag.String("m", "flood", "mode: flood or emit")
	fPPS := flag.Uint64("pps", 0, "packets per second (0 = unlimited)")
	fSize := flag.Uint("l", 100, "payload size in flood mode")
	fCount := flag.Uint64("n", 0, "packet count (0 = until interrupted)")
	flag.Parse()

	addr, err := net.ResolveUDPAddr("udp4", *fTarget)
	fatalIf(err, "resolving target")

	// Connected socket: the kernel resolves the route once.
	conn, err := net.DialUDP("udp4", nil, addr)
	fatalIf(err, "connecting")
	defer conn.Close()

	var payload []byte
	switch *fMode {
	case "flood":
		payload = make([]byte, *fSize)
	case "emit":
		payload = flood.MockTransaction()
	default:
		fatalIf(fmt.Errorf("unknown mode %q", *fMode), "parsing flags")
	}

	fmt.Fprintf(os.Stderr, "%s mode -> %s, %d byte payload\n",
		*fMode, addr, len(payload))

	throttle := ratelimit.New(*fPPS)

	var sent uint64
	var counter uint8
	start := time.Now()
	lastLog := start
	var lastSent uint64

	for *fCount == 0 || sent < *fCount {
		if *fMode == "emit" {
			payload[len(payload)-1] = counter
			counter++
		}
		if _, err := conn.Write(payload); err != nil {
			fatalIf(err, "sending")
		}
		sent++
		throttle.ThrottleN(1)

		// Check the clock sparingly; it dominates at high rates.
		if sent%10000 == 0 || *fMode == "emit" {
			if now := time.Now(); now.Sub(lastLog) >= time.Second {
				pps := uint64(float64(sent-lastSent) / now.Sub(lastLog).Seconds())
				fmt.Printf("sent=%d pps=%d\n", sent, pps)
				lastLog, lastSent = now, sent
			}
		}
	}

	elapsed := time.Since(start).Seconds()
	p := message.NewPrinter(language.English)
	p.Printf("\nsent %d packets in %.2fs (%d pps)\n",
		sent, elapsed, uint64(float64(sent)/elapsed))
}
