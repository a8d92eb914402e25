package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/errors"
)

const (
	// DefaultMaxMessageBytes bounds a single wire frame. Large enough for a
	// 256-cube RGBA payload (4·256³·4 bytes) plus envelope overhead.
	DefaultMaxMessageBytes = 1 << 29

	// minDocumentBytes is the smallest legal BSON document: int32 length +
	// terminating NUL
	minDocumentBytes = 5
)

// ReadFrame reads one length-prefixed BSON document from r and returns the
// complete document bytes (prefix included). A BSON document is self-framing:
// its first four bytes are the little-endian total length.
func ReadFrame(r io.Reader, maxBytes int) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}

	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		// Propagate EOF unchanged so callers can distinguish an orderly
		// peer close from a broken frame
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.WrapTransient(err, "protocol", "ReadFrame", "frame header read")
	}

	length := int(int32(binary.LittleEndian.Uint32(header[:])))
	if length < minDocumentBytes {
		return nil, errors.WrapInvalid(
			fmt.Errorf("declared document length %d: %w", length, errors.ErrMalformedPayload),
			"protocol", "ReadFrame", "frame length validation")
	}
	if length > maxBytes {
		return nil, errors.WrapInvalid(
			fmt.Errorf("declared document length %d exceeds limit %d: %w",
				length, maxBytes, errors.ErrFrameTooLarge),
			"protocol", "ReadFrame", "frame length validation")
	}

	frame := make([]byte, length)
	copy(frame, header[:])
	if _, err := io.ReadFull(r, frame[4:]); err != nil {
		return nil, errors.WrapTransient(err, "protocol", "ReadFrame", "frame body read")
	}

	return frame, nil
}

// DeadlineReader is a stream whose read deadline can be renewed while a
// frame is in flight. net.Conn satisfies it.
type DeadlineReader interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// ReadFrameDeadline reads one frame from conn. The poll window covers only
// the wait for the frame's first byte: an idle connection surfaces a
// net.Error timeout the caller can loop on. Once any byte has arrived the
// deadline is renewed per read with the progress window instead, so a frame
// that keeps arriving is never cut short mid-body no matter how long the
// whole transfer takes. A frame delivering no bytes for a full progress
// window fails with a stall error that does not match net.Error; the stream
// is unsynchronized at that point and the connection must be dropped.
func ReadFrameDeadline(conn DeadlineReader, maxBytes int, poll, progress time.Duration) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}

	if err := conn.SetReadDeadline(time.Now().Add(poll)); err != nil {
		return nil, errors.WrapTransient(err, "protocol", "ReadFrameDeadline", "poll deadline set")
	}

	var header [4]byte
	n, err := readFullRenewing(conn, header[:], progress)
	if err != nil {
		if n == 0 {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, errors.WrapTransient(err, "protocol", "ReadFrameDeadline", "frame header read")
		}
		return nil, stallError(err, n, "frame header read")
	}

	length := int(int32(binary.LittleEndian.Uint32(header[:])))
	if length < minDocumentBytes {
		return nil, errors.WrapInvalid(
			fmt.Errorf("declared document length %d: %w", length, errors.ErrMalformedPayload),
			"protocol", "ReadFrameDeadline", "frame length validation")
	}
	if length > maxBytes {
		return nil, errors.WrapInvalid(
			fmt.Errorf("declared document length %d exceeds limit %d: %w",
				length, maxBytes, errors.ErrFrameTooLarge),
			"protocol", "ReadFrameDeadline", "frame length validation")
	}

	frame := make([]byte, length)
	copy(frame, header[:])
	if err := conn.SetReadDeadline(time.Now().Add(progress)); err != nil {
		return nil, errors.WrapTransient(err, "protocol", "ReadFrameDeadline", "progress deadline set")
	}
	if n, err := readFullRenewing(conn, frame[4:], progress); err != nil {
		return nil, stallError(err, len(header)+n, "frame body read")
	}
	return frame, nil
}

// readFullRenewing fills buf, renewing the deadline after every partial read
// so the timeout bounds inactivity, not total transfer time. The caller sets
// the deadline covering the first read.
func readFullRenewing(conn DeadlineReader, buf []byte, progress time.Duration) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if total < len(buf) {
			if err := conn.SetReadDeadline(time.Now().Add(progress)); err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

// stallError reports a frame cut off mid-transfer. Timeouts are flattened to
// strings so they no longer match net.Error: a mid-frame timeout is not an
// idle connection.
func stallError(cause error, consumed int, action string) error {
	var netErr net.Error
	if errors.As(cause, &netErr) && netErr.Timeout() {
		return errors.WrapTransient(
			fmt.Errorf("frame stalled after %d bytes: %s", consumed, cause.Error()),
			"protocol", "ReadFrameDeadline", action)
	}
	if cause == io.EOF || cause == io.ErrUnexpectedEOF {
		return errors.WrapTransient(
			fmt.Errorf("connection closed mid-frame after %d bytes", consumed),
			"protocol", "ReadFrameDeadline", action)
	}
	return errors.WrapTransient(cause, "protocol", "ReadFrameDeadline", action)
}

// WriteFrame marshals doc to BSON and writes it to w as one frame
func WriteFrame(w io.Writer, doc any) error {
	data, err := bson.Marshal(doc)
	if err != nil {
		return errors.WrapInvalid(err, "protocol", "WriteFrame", "BSON marshal")
	}
	if _, err := w.Write(data); err != nil {
		return errors.WrapTransient(err, "protocol", "WriteFrame", "frame write")
	}
	return nil
}

// DecodeDocument unmarshals a complete BSON frame into a generic map
func DecodeDocument(frame []byte) (bson.M, error) {
	var doc bson.M
	if err := bson.Unmarshal(frame, &doc); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrMalformedPayload, err.Error()),
			"protocol", "DecodeDocument", "BSON unmarshal")
	}
	return doc, nil
}
