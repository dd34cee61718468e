/*
 *    streamlens offline capture analysis tool
 *
 *    streamlens - passive TCP sequence analysis and stream reassembly
 *
 *    This program is free software: you can redistribute it and/or modify
 *    it under the terms of the GNU General Public License as published by
 *    the Free Software Foundation, either version 3 of the License, or
 *    (at your option) any later version.
 *
 *    This program is distributed in the hope that it will be useful,
 *    but WITHOUT ANY WARRANTY; without even the implied warranty of
 *    MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 *    GNU General Public License for more details.
 *
 *    You should have received a copy of the GNU General Public License
 *    along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/bytedance/sonic"
	"github.com/fatih/color"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/sirupsen/logrus"

	"github.com/streamlens/streamlens"
	"github.com/streamlens/streamlens/logging"
	"github.com/streamlens/streamlens/types"
)

func main() {
	pcapFile := flag.String("f", "", "pcap capture file to analyze")
	jsonOut := flag.String("json", "", "write per-frame analysis records as JSON to this file ('-' for stdout)")
	streamDir := flag.String("streams", "", "directory to write reconstructed byte streams into")
	quiet := flag.Bool("q", false, "suppress per-frame output")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	if *pcapFile == "" {
		flag.Usage()
		os.Exit(1)
	}

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	opts := streamlens.DefaultOptions()
	opts.Logger = log
	if *streamDir != "" {
		opts.StreamWriterFactory = func(flow types.FlowKey) io.Writer {
			w, err := logging.NewStreamLogger(*streamDir, flow.String(), log)
			if err != nil {
				log.WithError(err).Warn("cannot open stream log")
				return nil
			}
			return w
		}
	}
	store := streamlens.NewConversationStore(opts)

	if err := analyzeCapture(*pcapFile, store, log, !*quiet); err != nil {
		log.WithError(err).Fatal("capture analysis failed")
	}
	store.Flush()

	printSummary(store)

	if *jsonOut != "" {
		if err := exportRecords(*jsonOut, store); err != nil {
			log.WithError(err).Fatal("JSON export failed")
		}
	}
}

func analyzeCapture(path string, store *streamlens.ConversationStore, log *logrus.Logger, print bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	reader, err := pcapgo.NewReader(f)
	if err != nil {
		return err
	}

	var frame uint64
	source := gopacket.NewPacketSource(reader, reader.LinkType())
	for packet := range source.Packets() {
		frame++
		seg, ok := manifestFromPacket(frame, packet)
		if !ok {
			continue
		}
		rec, err := store.Receive(seg)
		if err != nil {
			log.WithError(err).WithField("frame", frame).Warn("skipping frame")
			continue
		}
		if print && rec.Flags != 0 {
			printRecord(seg, rec)
		}
	}
	return nil
}

// manifestFromPacket decodes one captured packet into a SegmentManifest,
// including the option fields the engine treats as externally decoded.
func manifestFromPacket(frame uint64, packet gopacket.Packet) (*types.SegmentManifest, bool) {
	tcpLayer := packet.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		return nil, false
	}
	tcp := tcpLayer.(*layers.TCP)

	var flow types.FlowKey
	if ip4 := packet.Layer(layers.LayerTypeIPv4); ip4 != nil {
		flow = types.NewFlowKeyFromLayers(ip4.(*layers.IPv4), tcp)
	} else if ip6 := packet.Layer(layers.LayerTypeIPv6); ip6 != nil {
		flow = types.NewFlowKeyFromLayers6(ip6.(*layers.IPv6), tcp)
	} else {
		return nil, false
	}

	seg := &types.SegmentManifest{
		Frame:       frame,
		Timestamp:   packet.Metadata().Timestamp,
		Flow:        flow,
		TCP:         *tcp,
		Payload:     gopacket.Payload(tcp.Payload),
		WindowScale: -1,
	}
	seg.Sack, seg.WindowScale = decodeOptions(tcp)
	return seg, true
}

// decodeOptions pulls SACK blocks and the window scale shift out of a
// segment's TCP options.
func decodeOptions(tcp *layers.TCP) ([]types.SackBlock, int) {
	var sack []types.SackBlock
	scale := -1
	for _, opt := range tcp.Options {
		switch opt.OptionType {
		case layers.TCPOptionKindSACK:
			for i := 0; i+8 <= len(opt.OptionData); i += 8 {
				sack = append(sack, types.SackBlock{
					Left:  types.Sequence(binary.BigEndian.Uint32(opt.OptionData[i:])),
					Right: types.Sequence(binary.BigEndian.Uint32(opt.OptionData[i+4:])),
				})
			}
		case layers.TCPOptionKindWindowScale:
			if len(opt.OptionData) == 1 {
				scale = int(opt.OptionData[0])
			}
		}
	}
	return sack, scale
}

func printRecord(seg *types.SegmentManifest, rec *streamlens.AnalysisRecord) {
	line := fmt.Sprintf("frame %6d stream %3d %s seq=%d ack=%d len=%d [%s]",
		rec.Frame, rec.Stream, seg.Flow, seg.TCP.Seq, seg.TCP.Ack, seg.Len(), rec.FlagNames)

	switch {
	case rec.Flags.Has(types.Retransmission) ||
		rec.Flags.Has(types.FastRetransmission) ||
		rec.Flags.Has(types.SpuriousRetransmission) ||
		rec.Flags.Has(types.LostPacket):
		color.Red(line)
	case rec.Flags.Has(types.OutOfOrder):
		color.Yellow(line)
	case rec.Flags.Has(types.DuplicateAck):
		color.Cyan(line)
	case rec.Flags.Has(types.ZeroWindow) || rec.Flags.Has(types.WindowFull) ||
		rec.Flags.Has(types.WindowUpdate):
		color.Magenta(line)
	case rec.Flags.Has(types.KeepAlive) || rec.Flags.Has(types.KeepAliveAck):
		color.Blue(line)
	default:
		fmt.Println(line)
	}
}

func printSummary(store *streamlens.ConversationStore) {
	for _, conv := range store.Conversations() {
		var retrans, ooo, dupAcks int
		for _, rec := range conv.Records() {
			if rec.Flags&(types.Retransmission|types.FastRetransmission|types.SpuriousRetransmission) != 0 {
				retrans++
			}
			if rec.Flags.Has(types.OutOfOrder) {
				ooo++
			}
			if rec.Flags.Has(types.DuplicateAck) {
				dupAcks++
			}
		}
		fmt.Printf("stream %3d: %d frames, %d retransmissions, %d out-of-order, %d dup ACKs, iRTT %s\n",
			conv.Stream, len(conv.Records()), retrans, ooo, dupAcks, conv.InitialRTT())
	}
}

func exportRecords(path string, store *streamlens.ConversationStore) error {
	var records []*streamlens.AnalysisRecord
	for _, conv := range store.Conversations() {
		records = append(records, conv.Records()...)
	}
	out, err := sonic.Marshal(records)
	if err != nil {
		return err
	}
	if path == "-" {
		_, err = os.Stdout.Write(append(out, '\n'))
		return err
	}
	return os.WriteFile(path, out, 0644)
}
