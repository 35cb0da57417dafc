//go:build linux

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/lvboudre/afterburner/driver"
	"github.com/lvboudre/afterburner/engine"
	"github.com/lvboudre/afterburner/filter"
	"github.com/lvboudre/afterburner/ifacestat"
	"github.com/lvboudre/afterburner/packet"
	"github.com/lvboudre/afterburner/xsk"
)

type Config struct {
	Interface   string `yaml:"interface"`
	Queue       uint   `yaml:"queue"`
	Zerocopy    bool   `yaml:"zerocopy"`
	ServicePort int    `yaml:"service-port"`

	Local struct {
		IP   string `yaml:"ip"`
		Port int    `yaml:"port"`
	} `yaml:"local"`

	Remote struct {
		MAC  string `yaml:"mac"`
		IP   string `yaml:"ip"`
		Port int    `yaml:"port"`
	} `yaml:"remote"`

	Arena struct {
		NumFrames uint32 `yaml:"num-frames"`
		FrameSize uint32 `yaml:"frame-size"`
		RingSize  uint32 `yaml:"ring-size"`
		BatchSize uint32 `yaml:"batch-size"`
	} `yaml:"arena"`

	FloodBudget    int    `yaml:"flood-budget"`
	ProbeInterval  string `yaml:"probe-interval"`
	ReportInterval string `yaml:"report-interval"`
	Ethtool        bool   `yaml:"ethtool"`
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "afterburner.yaml", "path to config YAML file")
	fIface := flag.String("i", "", "interface")
	fQueue := flag.Uint("q", 0, "queue id")
	fPreferZC := flag.Bool("z", false, "zerocopy")
	fPort := flag.Int("p", 0, "service udp port")
	fRemoteMAC := flag.String("d", "", "remote mac")
	fRemoteIP := flag.String("D", "", "remote ip")
	fLocalIP := flag.String("s", "", "local ip")
	fEthtool := flag.Bool("ethtool", false, "NIC counter report via ethtool")

	flag.Parse()

	b, err := os.ReadFile(*fConfig)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var conf Config
	if err := yaml.Unmarshal(b, &conf); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	// Apply CLI overrides if necessary.
	if *fIface != "" {
		conf.Interface = *fIface
	}
	if *fQueue != 0 {
		conf.Queue = *fQueue
	}
	if *fPreferZC {
		conf.Zerocopy = true
	}
	if *fPort != 0 {
		conf.ServicePort = *fPort
	}
	if *fRemoteMAC != "" {
		conf.Remote.MAC = *fRemoteMAC
	}
	if *fRemoteIP != "" {
		conf.Remote.IP = *fRemoteIP
	}
	if *fLocalIP != "" {
		conf.Local.IP = *fLocalIP
	}
	if *fEthtool {
		conf.Ethtool = true
	}

	// Validate

	if conf.Interface == "" {
		return nil, errors.New("interface must be set (or use -i)")
	}
	if conf.ServicePort == 0 {
		conf.ServicePort = filter.DefaultServicePort
	}
	if conf.ServicePort < 0 || conf.ServicePort > 65535 {
		return nil, errors.New("service-port must be between 1-65535")
	}
	if conf.Remote.MAC == "" {
		return nil, errors.New("remote.mac must be set")
	}
	if _, err := net.ParseMAC(conf.Remote.MAC); err != nil {
		return nil, fmt.Errorf("invalid remote.mac %q: %w", conf.Remote.MAC, err)
	}
	if _, err := netip.ParseAddr(conf.Remote.IP); err != nil {
		return nil, fmt.Errorf("invalid remote.ip %q: %w", conf.Remote.IP, err)
	}
	if _, err := netip.ParseAddr(conf.Local.IP); err != nil {
		return nil, fmt.Errorf("invalid local.ip %q: %w", conf.Local.IP, err)
	}
	if conf.Remote.Port <= 0 || conf.Remote.Port > 65535 {
		return nil, errors.New("remote.port must be between 1-65535")
	}
	if conf.Local.Port <= 0 || conf.Local.Port > 65535 {
		return nil, errors.New("local.port must be between 1-65535")
	}
	if conf.ProbeInterval == "" {
		conf.ProbeInterval = "1ms"
	}
	if _, err := time.ParseDuration(conf.ProbeInterval); err != nil {
		return nil, fmt.Errorf("invalid probe-interval: %w", err)
	}
	if conf.ReportInterval == "" {
		conf.ReportInterval = "1s"
	}
	if _, err := time.ParseDuration(conf.ReportInterval); err != nil {
		return nil, fmt.Errorf("invalid report-interval: %w", err)
	}

	return &conf, nil
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

func mustGetIfaceInfo(name string) (idx int, mac [6]byte) {
	iface, err := net.InterfaceByName(name)
	fatalIf(err, "getting interface by name")
	copy(mac[:], iface.HardwareAddr)
	return iface.Index, mac
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "reading config")

	fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n")
	b, err := yaml.Marshal(conf)
	fatalIf(err, "encoding final YAML config")
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	ctx, stop := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM,
	)
	defer stop()

	ifaceIdx, srcMAC := mustGetIfaceInfo(conf.Interface)
	dstMAC, err := net.ParseMAC(conf.Remote.MAC)
	fatalIf(err, "parse remote mac")
	localIP := netip.MustParseAddr(conf.Local.IP)
	remoteIP := netip.MustParseAddr(conf.Remote.IP)

	cls, err := filter.Attach(conf.Interface, filter.Config{
		ServicePort: uint16(conf.ServicePort),
		DriverMode:  conf.Zerocopy,
	})
	fatalIf(err, "attaching classifier")
	defer cls.Close()

	sock, err := xsk.Open(xsk.Config{
		QueueID:        uint32(conf.Queue),
		NumFrames:      conf.Arena.NumFrames,
		FrameSize:      conf.Arena.FrameSize,
		RingSize:       conf.Arena.RingSize,
		BatchSize:      conf.Arena.BatchSize,
		PreferZerocopy: conf.Zerocopy,
	}, ifaceIdx)
	fatalIf(err, "opening ring socket")
	defer sock.Close()

	err = cls.Register(uint32(conf.Queue), sock.FD())
	fatalIf(err, "registering socket with classifier")

	fmt.Fprintf(os.Stderr, "engine on %s:%d (zerocopy=%t), service port %d\n",
		conf.Interface, conf.Queue, sock.IsZerocopy(), conf.ServicePort)

	enc, err := packet.NewEncoder(
		net.HardwareAddr(srcMAC[:]), dstMAC,
		localIP, remoteIP,
		uint16(conf.Local.Port), uint16(conf.Remote.Port),
	)
	fatalIf(err, "building packet encoder")

	localAddr := &net.UDPAddr{IP: localIP.AsSlice(), Port: conf.Local.Port}
	remoteAddr := &net.UDPAddr{IP: remoteIP.AsSlice(), Port: conf.Remote.Port}

	probeInterval, _ := time.ParseDuration(conf.ProbeInterval)
	reportInterval, _ := time.ParseDuration(conf.ReportInterval)

	var statsBefore ifacestat.Stats
	if conf.Ethtool {
		statsBefore, err = ifacestat.Snapshot(
			[]string{conf.Interface},
			ifacestat.TxPackets, ifacestat.TxBytes,
			ifacestat.RxPackets, ifacestat.RxBytes,
		)
		fatalIf(err, "reading NIC counters")
	}

	eng, err := engine.New(engine.Config{
		Socket:      sock,
		Encoder:     enc,
		ServicePort: uint16(conf.ServicePort),
		BatchSize:   int(conf.Arena.BatchSize),
		FloodBudget: conf.FloodBudget,
		Dial: func(ctx context.Context) (engine.Conn, error) {
			d := driver.New(driver.Config{
				Local:  localAddr,
				Remote: remoteAddr,
			})
			if err := d.Connect(ctx); err != nil {
				return nil, err
			}
			return d, nil
		},
		ProbeInterval:  probeInterval,
		ReportInterval: reportInterval,
		OnReport: func(s engine.Stats) {
			lat := s.Latency
			fmt.Printf(
				"RX=%d TX=%d gen=%d probes=%d/%d rtt avg=%s min=%s max=%s defer=%d\n",
				s.RxPackets, s.TxPackets, s.GenSent,
				lat.Count, s.ProbesSent,
				lat.Avg, lat.Min, lat.Max,
				s.EgressDeferred,
			)
		},
		Logf: func(format string, args ...any) {
			fmt.Fprintf(os.Stderr, format+"\n", args...)
		},
	})
	fatalIf(err, "building engine")

	runErr := eng.Run(ctx)

	s := eng.Stats()
	lat := s.Latency
	p := message.NewPrinter(language.English)

	p.Print("\nFINAL REPORT\n")
	p.Printf(" Iterations:        %d\n", s.Iterations)
	p.Printf(" RX:                %d packets (%s)\n",
		s.RxPackets, humanize.Bytes(s.RxBytes))
	p.Printf(" TX:                %d packets (%s)\n",
		s.TxPackets, humanize.Bytes(s.TxBytes))
	p.Printf(" Generated:         %d sent, %d skipped\n", s.GenSent, s.GenSkipped)
	p.Printf(" Probes:            %d sent, %d completed, %d lost\n",
		s.ProbesSent, lat.Count, lat.Lost)
	p.Printf(" RTT:               avg=%s min=%s max=%s\n", lat.Avg, lat.Min, lat.Max)
	p.Printf(" Malformed:         %d\n", s.Malformed)
	p.Printf(" Deferred/dropped:  %d/%d egress datagrams\n",
		s.EgressDeferred, s.EgressDropped)
	p.Printf(" Reconnects:        %d\n", s.ConnFailures)

	if conf.Ethtool {
		statsAfter, err := ifacestat.Snapshot(
			[]string{conf.Interface},
			ifacestat.TxPackets, ifacestat.TxBytes,
			ifacestat.RxPackets, ifacestat.RxBytes,
		)
		if err == nil {
			p.Print("\nNIC COUNTERS\n")
			_ = ifacestat.Print(os.Stdout, statsAfter.Since(statsBefore), nil)
		}
	}

	fatalIf(runErr, "engine loop")
}
