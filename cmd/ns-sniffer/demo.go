package main

import (
	"fmt"
	"math/rand"
	"time"

	"Go2NetGraph/internal/logging"
	"Go2NetGraph/pkg/pcap"
	"Go2NetGraph/pkg/pcap/pcapgen"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/spf13/cobra"
)

var demoSites = []string{"example.com", "example.net", "example.org", "iana.org", "golang.org"}

func newDemoCmd() *cobra.Command {
	var (
		output  string
		clients int
		seed    int64
	)

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Write a capture of synthetic DNS and HTTP traffic",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New("info", true)
			if err != nil {
				return err
			}
			defer logger.Sync()

			pkts := demoTraffic(rand.New(rand.NewSource(seed)), clients)
			w, err := pcap.NewWriter(output, layers.LinkTypeEthernet, 65535, len(pkts), logger)
			if err != nil {
				return err
			}
			for _, p := range pkts {
				w.Enqueue(p)
			}
			if _, err := w.Commit(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d frames to %s\n", w.Written(), output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "demo.pcap", "output capture file")
	cmd.Flags().IntVarP(&clients, "clients", "c", 5, "number of clients")
	cmd.Flags().Int64Var(&seed, "seed", 1, "random seed")
	return cmd
}

// demoTraffic has every client resolve a site and fetch a page from it.
func demoTraffic(rng *rand.Rand, clients int) []gopacket.Packet {
	gen := pcapgen.New(time.Now().Add(-time.Minute))
	var pkts []gopacket.Packet
	for i := 0; i < clients; i++ {
		client := fmt.Sprintf("10.0.0.%d", 10+i)
		site := demoSites[rng.Intn(len(demoSites))]
		server := fmt.Sprintf("93.184.216.%d", 1+rng.Intn(250))
		sport := uint16(32768 + rng.Intn(28000))
		id := uint16(rng.Intn(65535))
		seq := rng.Uint32()

		req := fmt.Sprintf("GET /%d HTTP/1.1\r\nHost: %s\r\nUser-Agent: demo\r\n\r\n", i, site)
		resp := "HTTP/1.1 200 OK\r\nContent-Type: text/html\r\nContent-Length: 2\r\n\r\nok"
		pkts = append(pkts,
			gen.UDP(client, sport, "8.8.8.8", 53, pcapgen.DNSQuery(id, site)),
			gen.UDP("8.8.8.8", 53, client, sport, pcapgen.DNSResponse(id, site, pcapgen.A(site, server))),
			gen.TCP(client, sport+1, server, 80, seq, pcapgen.TCPFlags{SYN: true}, nil),
			gen.TCP(server, 80, client, sport+1, 5000, pcapgen.TCPFlags{SYN: true, ACK: true}, nil),
			gen.TCP(client, sport+1, server, 80, seq+1, pcapgen.TCPFlags{ACK: true, PSH: true}, []byte(req)),
			gen.TCP(server, 80, client, sport+1, 5001, pcapgen.TCPFlags{ACK: true, PSH: true}, []byte(resp)),
			gen.TCP(client, sport+1, server, 80, seq+1+uint32(len(req)), pcapgen.TCPFlags{ACK: true, FIN: true}, nil),
		)
	}
	return pkts
}
