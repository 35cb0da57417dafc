// Command streamserver is the echo peer for the data plane: a QUIC server
// on a plain kernel socket that bounces timing probes straight back and
// counts received transactions. It exists so the engine has something to
// measure round trips against on the other side of the wire.
package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"flag"
	"fmt"
	"math/big"
	"os"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/quic-go/quic-go"

	"github.com/lvboudre/afterburner/driver"
)

type stats struct {
	probes       atomic.Uint64
	transactions atomic.Uint64
	rxBytes      atomic.Uint64
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

// selfSignedTLS generates a throwaway server identity. Clients connect
// with verification disabled; only the ALPN match matters.
func selfSignedTLS() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "streamserver"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{der},
			PrivateKey:  key,
		}},
		NextProtos: []string{driver.ALPN},
	}, nil
}

func serveStream(s *quic.Stream, st *stats) {
	var scan driver.Scanner
	buf := make([]byte, 4096)
	for {
		n, err := s.Read(buf)
		if n > 0 {
			st.rxBytes.Add(uint64(n))
			ferr := scan.Feed(buf[:n], func(rec driver.Record) error {
				switch rec.Type {
				case driver.RecordTypeProbe:
					st.probes.Add(1)
					// Bounce the probe back untouched; the sender
					// computes the round trip from its own timestamp.
					echo, err := driver.AppendRecord(nil, rec.Type, rec.Body)
					if err != nil {
						return err
					}
					if _, err := s.Write(echo); err != nil {
						return err
					}
				case driver.RecordTypeTransaction:
					st.transactions.Add(1)
				}
				return nil
			})
			if ferr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func serveConn(conn *quic.Conn, st *stats) {
	fmt.Fprintf(os.Stderr, "client connected from %s\n", conn.RemoteAddr())
	for {
		s, err := conn.AcceptStream(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "connection done: %v\n", err)
			return
		}
		fmt.Fprintf(os.Stderr, "stream %d opened\n", s.StreamID())
		go serveStream(s, st)
	}
}

func main() {
	fListen := flag.String("l", "0.0.0.0:8003", "listen address")
	flag.Parse()

	tlsConf, err := selfSignedTLS()
	fatalIf(err, "generating server certificate")

	ln, err := quic.ListenAddr(*fListen, tlsConf, &quic.Config{
		MaxIdleTimeout:                 30 * time.Second,
		InitialStreamReceiveWindow:     10 << 20,
		MaxStreamReceiveWindow:         10 << 20,
		InitialConnectionReceiveWindow: 100 << 20,
		MaxConnectionReceiveWindow:     100 << 20,
		MaxIncomingStreams:             1000,
	})
	fatalIf(err, "listening")
	defer ln.Close()

	fmt.Fprintf(os.Stderr, "listening on %s (alpn %q)\n", *fListen, driver.ALPN)

	var st stats
	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()

		var lastTxn, lastBytes uint64
		for range t.C {
			txn := st.transactions.Load()
			bytes := st.rxBytes.Load()
			fmt.Printf("txn=%d (+%d/s) probes=%d rx=%s (+%s/s)\n",
				txn, txn-lastTxn,
				st.probes.Load(),
				humanize.Bytes(bytes), humanize.Bytes(bytes-lastBytes),
			)
			lastTxn, lastBytes = txn, bytes
		}
	}()

	for {
		conn, err := ln.Accept(context.Background())
		if err != nil {
			fatalIf(err, "accepting connection")
		}
		go serveConn(conn, &st)
	}
}
