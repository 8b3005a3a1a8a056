// Package schema describes where each part of a value landed in a
// serialized stream. A schema is produced alongside the stream by
// epsilon.SerializeWithSchema and can be exported as CSV, or as CBOR,
// MessagePack or YAML for readers written in other languages.
package schema

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"slices"
	"strconv"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"
	"gopkg.in/yaml.v3"
)

// Row is one encoded node: a field, a length prefix or a raw run.
type Row struct {
	Path   string `cbor:"1,keyasint" msgpack:"path" yaml:"path"`
	Type   string `cbor:"2,keyasint" msgpack:"type" yaml:"type"`
	Offset int    `cbor:"3,keyasint" msgpack:"offset" yaml:"offset"`
	Size   int    `cbor:"4,keyasint" msgpack:"size" yaml:"size"`
	Align  int    `cbor:"5,keyasint" msgpack:"align" yaml:"align"`
}

// Schema is the ordered list of rows of one stream.
type Schema struct {
	TypeName    string `cbor:"1,keyasint" msgpack:"type" yaml:"type"`
	Fingerprint string `cbor:"2,keyasint" msgpack:"fingerprint" yaml:"fingerprint"`
	Rows        []Row  `cbor:"3,keyasint" msgpack:"rows" yaml:"rows"`
}

// Add appends a row.
func (s *Schema) Add(path, typ string, offset, size, align int) {
	s.Rows = append(s.Rows, Row{Path: path, Type: typ, Offset: offset, Size: size, Align: align})
}

// Sort orders rows by offset, keeping insertion order for equal offsets.
func (s *Schema) Sort() {
	slices.SortStableFunc(s.Rows, func(a, b Row) int { return a.Offset - b.Offset })
}

var csvHeader = []string{"field", "type", "offset", "size", "align"}

// WriteCSV writes the rows as CSV with a header line.
func (s *Schema) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range s.Rows {
		rec := []string{r.Path, r.Type, strconv.Itoa(r.Offset), strconv.Itoa(r.Size), strconv.Itoa(r.Align)}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// CSV returns the rows as CSV.
func (s *Schema) CSV() string {
	var buf bytes.Buffer
	_ = s.WriteCSV(&buf)
	return buf.String()
}

var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("schema: cbor enc mode: %v", err))
	}
	return em
}()

// EncodeCBOR returns the deterministic CBOR encoding of s.
func (s *Schema) EncodeCBOR() ([]byte, error) {
	return encMode.Marshal(s)
}

// DecodeCBOR parses a schema produced by EncodeCBOR.
func DecodeCBOR(data []byte) (*Schema, error) {
	var s Schema
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding schema: %w", err)
	}
	return &s, nil
}

// EncodeMsgpack returns the MessagePack encoding of s.
func (s *Schema) EncodeMsgpack() ([]byte, error) {
	return msgpack.Marshal(s)
}

// DecodeMsgpack parses a schema produced by EncodeMsgpack.
func DecodeMsgpack(data []byte) (*Schema, error) {
	var s Schema
	if err := msgpack.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding schema: %w", err)
	}
	return &s, nil
}

// EncodeYAML returns the YAML encoding of s.
func (s *Schema) EncodeYAML() ([]byte, error) {
	return yaml.Marshal(s)
}

// DecodeYAML parses a schema produced by EncodeYAML.
func DecodeYAML(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding schema: %w", err)
	}
	return &s, nil
}
