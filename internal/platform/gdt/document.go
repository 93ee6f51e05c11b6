// Package gdt renders observations into GDT 2.1 exchange files, the
// line-oriented format German practice management systems import from a
// shared directory.
//
// Every line has the form LLLFFFFContent\r\n: a three-digit decimal length
// (covering the whole line including the terminator), a four-digit field
// identifier, and the content encoded as ISO-8859-1. The record-length
// field 8100 declares the byte count of the entire document.
package gdt

import (
	"bytes"
	"fmt"
	"strconv"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

const (
	// Record type 6310: new examination data.
	RecordTypeNewExam = "6310"
	// Version of the Gerätedatentransfer format.
	Version = "02.10"

	fieldRecordType   = "8000"
	fieldRecordLength = "8100"
	fieldVersion      = "9218"
	fieldSender       = "9106"
	fieldReceiver     = "9103"
	fieldCharset      = "9206"

	// Charset identifier 2 = ISO-8859-1.
	charsetISO8859_1 = "2"

	// Line overhead: 3 length digits + 4 field id digits + CR + LF.
	lineOverhead = 9
	maxLineLen   = 999
)

// Field is a single GDT line before serialization.
type Field struct {
	ID    string
	Value string
}

// Document accumulates fields and serializes them with the framing header.
type Document struct {
	senderID   string
	receiverID string
	fields     []Field
}

// NewDocument creates an empty document for the given sender and receiver
// identifiers.
func NewDocument(senderID, receiverID string) *Document {
	return &Document{senderID: senderID, receiverID: receiverID}
}

// AddField appends a content field. Fields serialize in insertion order,
// after the framing header.
func (d *Document) AddField(id, value string) {
	d.fields = append(d.fields, Field{ID: id, Value: value})
}

// Encode serializes the document: record type, record length, version,
// sender, receiver, charset, then the content fields.
//
// The record length is self-referential (its own digit count contributes to
// the total), so it is computed by iterating until the value is stable; this
// converges after at most two rounds because the digit count grows slowly.
func (d *Document) Encode() ([]byte, error) {
	enc := encoding.ReplaceUnsupported(charmap.ISO8859_1.NewEncoder())

	head, err := encodeLine(enc, fieldRecordType, RecordTypeNewExam)
	if err != nil {
		return nil, err
	}

	tail := [][]byte{}
	tailFields := []Field{
		{fieldVersion, Version},
		{fieldSender, d.senderID},
		{fieldReceiver, d.receiverID},
		{fieldCharset, charsetISO8859_1},
	}
	tailFields = append(tailFields, d.fields...)
	tailLen := 0
	for _, f := range tailFields {
		line, err := encodeLine(enc, f.ID, f.Value)
		if err != nil {
			return nil, err
		}
		tail = append(tail, line)
		tailLen += len(line)
	}

	// Total without the 8100 line itself.
	base := len(head) + tailLen

	recordLen := base + lineOverhead + 1
	for {
		candidate := base + lineOverhead + len(strconv.Itoa(recordLen))
		if candidate == recordLen {
			break
		}
		recordLen = candidate
	}

	lengthLine, err := encodeLine(enc, fieldRecordLength, strconv.Itoa(recordLen))
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(recordLen)
	buf.Write(head)
	buf.Write(lengthLine)
	for _, line := range tail {
		buf.Write(line)
	}

	if buf.Len() != recordLen {
		return nil, fmt.Errorf("record length mismatch: declared %d, encoded %d", recordLen, buf.Len())
	}
	return buf.Bytes(), nil
}

func encodeLine(enc *encoding.Encoder, id, value string) ([]byte, error) {
	if len(id) != 4 {
		return nil, fmt.Errorf("field identifier %q must have four digits", id)
	}
	content, err := enc.Bytes([]byte(value))
	if err != nil {
		return nil, fmt.Errorf("encoding field %s: %w", id, err)
	}

	length := lineOverhead + len(content)
	if length > maxLineLen {
		return nil, fmt.Errorf("field %s content too long: line length %d exceeds %d", id, length, maxLineLen)
	}

	line := make([]byte, 0, length)
	line = append(line, fmt.Sprintf("%03d", length)...)
	line = append(line, id...)
	line = append(line, content...)
	line = append(line, '\r', '\n')
	return line, nil
}
