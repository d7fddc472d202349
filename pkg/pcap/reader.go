package pcap

import (
	"Go2NetGuard/internal/engine/protocol"
	"Go2NetGuard/internal/model"
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcapgo"
	"go.uber.org/zap"
)

var ngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// Options controls how a capture is replayed.
type Options struct {
	// Rebase shifts timestamps so the first packet lands at the replay start.
	Rebase bool
	// Pace sleeps between packets to reproduce the original timing.
	Pace   bool
	Logger *zap.SugaredLogger
}

// Stats counts what one replay did.
type Stats struct {
	Packets int
	Events  int
	Skipped int
}

// Reader reads packets from a pcap or pcapng file.
type Reader struct {
	file   *os.File
	source *gopacket.PacketSource
	opts   Options
	logger *zap.SugaredLogger
}

// NewReader creates a new pcap reader for the given file path.
func NewReader(filePath string, opts Options) (*Reader, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	br := bufio.NewReader(f)
	magic, err := br.Peek(4)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read capture header: %w", err)
	}

	var source *gopacket.PacketSource
	if bytes.Equal(magic, ngMagic) {
		r, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to open pcapng: %w", err)
		}
		source = gopacket.NewPacketSource(r, r.LinkType())
	} else {
		r, err := pcapgo.NewReader(br)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to open pcap: %w", err)
		}
		source = gopacket.NewPacketSource(r, r.LinkType())
	}
	source.DecodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}

	logger := opts.Logger
	if logger == nil {
		logger = zap.S()
	}
	return &Reader{file: f, source: source, opts: opts, logger: logger.With("component", "pcap", "file", filePath)}, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}

// ReadEvents parses every packet and hands the resulting events to handle.
// Packets that are not IP are skipped. It returns at end of file or when ctx
// is done.
func (r *Reader) ReadEvents(ctx context.Context, handle func(model.FlowEvent)) (Stats, error) {
	var (
		stats  Stats
		first  time.Time
		offset time.Duration
		start  = time.Now()
	)
	for {
		packet, err := r.source.NextPacket()
		if err == io.EOF {
			return stats, nil
		}
		if err != nil {
			return stats, fmt.Errorf("failed to read packet %d: %w", stats.Packets+1, err)
		}
		stats.Packets++

		ev, err := protocol.ParsePacket(packet)
		if err != nil {
			stats.Skipped++
			r.logger.Debugw("skipping packet", "packet", stats.Packets, "error", err)
			continue
		}
		if first.IsZero() {
			first = ev.Timestamp
			offset = start.Sub(first)
		}
		if r.opts.Pace {
			if wait := time.Until(start.Add(ev.Timestamp.Sub(first))); wait > 0 {
				select {
				case <-ctx.Done():
					return stats, ctx.Err()
				case <-time.After(wait):
				}
			}
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if r.opts.Rebase {
			ev.Timestamp = ev.Timestamp.Add(offset)
		}
		handle(ev)
		stats.Events++
	}
}
