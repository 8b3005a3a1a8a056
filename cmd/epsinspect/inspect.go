package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/rawbytedev/epsilon/pkg/layout"
	"github.com/rawbytedev/epsilon/pkg/typehash"
	"github.com/rawbytedev/epsilon/pkg/wire"
)

// stream describes one stream found in a file.
type stream struct {
	Index       int    `json:"index"`
	Offset      int    `json:"offset"`
	Type        string `json:"type"`
	Version     string `json:"version"`
	Fingerprint string `json:"fingerprint"`
	LayoutHash  string `json:"layout_hash"`
	Payload     int    `json:"payload_offset"`
	Total       uint64 `json:"total_bytes"`
	BaseAligned bool   `json:"base_aligned"`
}

// walk decodes the headers of the streams concatenated in data.
func walk(data []byte) ([]stream, error) {
	var out []stream
	for off := 0; off < len(data); {
		h, err := wire.ParseHeader(data[off:])
		if err != nil {
			return out, fmt.Errorf("stream %d at offset %d: %w", len(out), off, err)
		}
		if h.TotalLen > uint64(len(data)-off) {
			return out, fmt.Errorf("stream %d at offset %d: %w: declares %d bytes, %d left",
				len(out), off, wire.ErrTruncated, h.TotalLen, len(data)-off)
		}
		out = append(out, newStream(len(out), off, h))
		off += int(h.TotalLen)
	}
	return out, nil
}

// walkReader is walk over a sequential source. Only headers are read;
// payloads are skipped, so a file never has to fit in memory.
func walkReader(r io.Reader) ([]stream, error) {
	br := bufio.NewReader(r)
	var out []stream
	fixed := make([]byte, wire.HeaderSize)
	for off := 0; ; {
		if _, err := io.ReadFull(br, fixed); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, readErr(len(out), off, err)
		}
		hb := make([]byte, wire.HeaderSize+wire.NameLen(fixed))
		copy(hb, fixed)
		if _, err := io.ReadFull(br, hb[wire.HeaderSize:]); err != nil {
			return out, readErr(len(out), off, err)
		}
		h, err := wire.ParseHeader(hb)
		if err != nil {
			return out, fmt.Errorf("stream %d at offset %d: %w", len(out), off, err)
		}
		if _, err := io.CopyN(io.Discard, br, int64(h.TotalLen)-int64(len(hb))); err != nil {
			return out, readErr(len(out), off, err)
		}
		out = append(out, newStream(len(out), off, h))
		off += int(h.TotalLen)
	}
}

func readErr(i, off int, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("stream %d at offset %d: %w: %v", i, off, wire.ErrTruncated, err)
	}
	return fmt.Errorf("stream %d at offset %d: %w", i, off, err)
}

func newStream(i, off int, h wire.Header) stream {
	return stream{
		Index:       i,
		Offset:      off,
		Type:        h.TypeName,
		Version:     fmt.Sprintf("%d.%d", h.Major, h.Minor),
		Fingerprint: typehash.Fingerprint(h.Fingerprint).String(),
		LayoutHash:  fmt.Sprintf("%016x", h.LayoutHash),
		Payload:     h.PayloadOffset(),
		Total:       h.TotalLen,
		BaseAligned: off%layout.MinBaseAlign == 0,
	}
}

// only keeps the streams whose fingerprint is fp.
func only(streams []stream, fp typehash.Fingerprint) []stream {
	want := fp.String()
	var out []stream
	for _, s := range streams {
		if s.Fingerprint == want {
			out = append(out, s)
		}
	}
	return out
}

var heading = color.New(color.Bold)

func printText(w io.Writer, path string, streams []stream) error {
	heading.Fprintf(w, "%s: %d stream(s)\n", path, len(streams))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tOFFSET\tSIZE\tVERSION\tTYPE\tFINGERPRINT\tLAYOUT")
	for _, s := range streams {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\t%s\n",
			s.Index, s.Offset, humanize.IBytes(s.Total), s.Version, s.Type, s.Fingerprint, s.LayoutHash)
	}
	return tw.Flush()
}

func printJSON(w io.Writer, path string, streams []stream) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		File    string   `json:"file"`
		Streams []stream `json:"streams"`
	}{path, streams})
}
