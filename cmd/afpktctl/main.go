// Copyright 2019 Yerden Zhumabekov. All rights reserved.
//
// Use of this source code is governed by MIT license which
// can be found in the LICENSE file in the root of the source
// tree.

// Command afpktctl is an example host application exercising the
// afpkt module surface end to end: passive capture to a pcapng file,
// or an inline bridge between a pair of interfaces.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/yerden/afpkt/afpkt"
	"github.com/yerden/afpkt/filter"
)

var (
	devSpec     = flag.String("i", "", "Colon-separated interface spec, e.g. eth0 or eth0:eth1")
	inline      = flag.Bool("inline", false, "Bridge paired interfaces instead of passive capture")
	snaplen     = flag.Int("s", 65535, "Snap length")
	pollTimeout = flag.Int("t", 1000, "Poll timeout in milliseconds (<=0 for infinite)")
	bufferMB    = flag.Int("b", 0, "Total ring buffer budget in MiB (0 = AF_PACKET_BUFFER_SIZE or default)")
	nPkts       = flag.Int("c", 0, "Number of packets to capture before exiting (0 = unbounded)")
	pcapFile    = flag.String("w", "", "Write captured passive-mode packets to this pcapng file")
	debug       = flag.Bool("debug", false, "Trace negotiated ring layouts to stdout")
	tcpPort     = flag.Int("tcp-port", 0, "Only deliver frames matching this TCP port (0 disables)")
	udpPort     = flag.Int("udp-port", 0, "Only deliver frames matching this UDP port (0 disables)")
)

// portFilter builds the filter program SetFilter installs from the
// -tcp-port/-udp-port flags, combining both with OR when given
// together; nil (install nothing, admit all) if neither is set.
func portFilter() filter.Filter {
	var filters []filter.Filter
	if *tcpPort > 0 {
		filters = append(filters, filter.TCPPortFilter(uint16(*tcpPort)))
	}
	if *udpPort > 0 {
		filters = append(filters, filter.UDPPortFilter(uint16(*udpPort)))
	}
	if len(filters) == 0 {
		return nil
	}
	return filter.Any(filters...)
}

func main() {
	flag.Parse()
	if *devSpec == "" {
		log.Fatal("afpktctl: -i is required")
	}

	mode := afpkt.ModePassive
	if *inline {
		mode = afpkt.ModeInline
	}

	var opts []afpkt.ConfigOption
	if *bufferMB > 0 {
		opts = append(opts, afpkt.OptBufferSizeMB(*bufferMB))
	}
	if *debug {
		opts = append(opts, afpkt.OptDebug())
	}

	mod, err := afpkt.Initialize(*devSpec, mode, *snaplen, *pollTimeout, opts...)
	if err != nil {
		log.Fatalf("afpktctl: initialize: %v", err)
	}

	if f := portFilter(); f != nil {
		if err := mod.SetFilter(f); err != nil {
			log.Fatalf("afpktctl: set_filter: %v", err)
		}
	}

	if err := mod.Start(); err != nil {
		log.Fatalf("afpktctl: start: %v", err)
	}
	defer func() {
		if err := mod.Stop(); err != nil {
			log.Printf("afpktctl: stop: %v", err)
		}
	}()

	var stopRequested atomic.Bool
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Println("afpktctl: signal received, breaking loop")
		stopRequested.Store(true)
		mod.BreakLoop()
	}()

	if *inline {
		runInline(mod, &stopRequested)
		return
	}
	runPassive(mod, *pcapFile, *nPkts, &stopRequested)
}

// runPassive drains messages, finalizing every one with a pass
// verdict, optionally tee-ing them to a pcapng file.
func runPassive(mod *afpkt.Module, pcapPath string, limit int, stopRequested *atomic.Bool) {
	var w *pcapgo.NgWriter
	if pcapPath != "" {
		f, err := os.Create(pcapPath)
		if err != nil {
			log.Fatalf("afpktctl: %v", err)
		}
		defer f.Close()

		w, err = pcapgo.NewNgWriter(f, layers.LinkTypeEthernet)
		if err != nil {
			log.Fatalf("afpktctl: %v", err)
		}
		defer w.Flush()
	}

	count := 0
	for {
		msg, err := mod.MsgReceive()
		if err != nil {
			if afpkt.IsTransient(err) {
				if stopRequested.Load() {
					break
				}
				continue // e.g. EINTR from the signal-interrupted poll; retry
			}
			log.Fatalf("afpktctl: receive: %v", err)
		}
		if msg == nil {
			if stopRequested.Load() {
				break
			}
			continue // poll timeout, no packet pending; keep waiting
		}

		if w != nil {
			if err := w.WritePacket(msg.CaptureInfo(), msg.Data); err != nil {
				log.Printf("afpktctl: pcap write: %v", err)
			}
		}

		if err := mod.MsgFinalize(afpkt.VerdictPass); err != nil {
			log.Fatalf("afpktctl: finalize: %v", err)
		}

		count++
		if limit != 0 && count >= limit {
			break
		}
	}
	log.Printf("afpktctl: captured %d packets", count)
}

// runInline drains messages and finalizes every one with a pass
// verdict, letting the engine's inline-forwarding path bridge the
// pair. On exit it logs the final verdict histogram.
func runInline(mod *afpkt.Module, stopRequested *atomic.Bool) {
	for {
		msg, err := mod.MsgReceive()
		if err != nil {
			if afpkt.IsTransient(err) {
				if stopRequested.Load() {
					break
				}
				continue // e.g. EINTR from the signal-interrupted poll; retry
			}
			log.Fatalf("afpktctl: receive: %v", err)
		}
		if msg == nil {
			if stopRequested.Load() {
				break
			}
			continue // poll timeout, no packet pending; keep waiting
		}
		if err := mod.MsgFinalize(afpkt.VerdictPass); err != nil {
			log.Fatalf("afpktctl: finalize: %v", err)
		}
	}

	if stats, err := mod.Stats(); err == nil {
		log.Printf("afpktctl: pass=%d block=%d forwarded=%d",
			stats.Pass, stats.Block, stats.Forwarded)
	}
}
