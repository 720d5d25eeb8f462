package record

import "errors"

// ErrFormatVersion marks a header whose version this module cannot read
// (spec 7's FormatVersion error kind).
var ErrFormatVersion = errors.New("unsupported capture format version")

// ErrTruncated is wrapped into the error for a tag byte the reader does
// not recognize; the reader surfaces it once and then stays closed. A
// record whose payload ends early yields the underlying read error
// (io.EOF or io.ErrUnexpectedEOF), wrapped with the field being read,
// rather than ErrTruncated.
var ErrTruncated = errors.New("truncated record")

// ErrReaderClosed is not returned by Reader.NextRecord: once the reader is
// in its terminal state, NextRecord repeats its terminal result (KindError
// with the original error, or KindEndOfFile).
var ErrReaderClosed = errors.New("reader is closed")
