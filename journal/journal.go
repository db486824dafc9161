// Package journal records every remote operation a membership change issues,
// in order, to a zstd-compressed msgpack stream. A journal answers "what did
// the coordinator do to which node" after the fact and can be replayed
// against an executor.
package journal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
	"github.com/spockmesh/meshjoin/encoding"
	"github.com/spockmesh/meshjoin/remote"
	"github.com/vmihailenco/msgpack/v5"
)

// Entry is one executed operation
type Entry struct {
	Seq      uint64        `msgpack:"seq"`
	Time     time.Time     `msgpack:"time"`
	DSN      string        `msgpack:"dsn"`
	Endpoint string        `msgpack:"endpoint"`
	Op       string        `msgpack:"op"`
	Params   []byte        `msgpack:"params"`
	Duration time.Duration `msgpack:"duration"`
	Code     string        `msgpack:"code,omitempty"`
	Error    string        `msgpack:"error,omitempty"`
}

// Failed reports whether the recorded operation returned an error
func (e Entry) Failed() bool {
	return e.Error != ""
}

// Operation rebuilds the typed operation of e
func (e Entry) Operation() (remote.Operation, error) {
	return remote.DecodeOperation(e.Op, e.Params, encoding.Unmarshal)
}

// Recorder is a remote.Executor that journals every call it forwards. A
// journal that can no longer be written is logged and disabled; it never
// fails the operation.
type Recorder struct {
	next remote.Executor

	mu     sync.Mutex
	seq    uint64
	closer io.Closer
	zw     *zstd.Encoder
	enc    *msgpack.Encoder
	broken bool
}

// NewRecorder journals to w. Close flushes the compressed stream but does not
// close w.
func NewRecorder(w io.Writer, next remote.Executor) (*Recorder, error) {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	return &Recorder{next: next, zw: zw, enc: encoding.NewEncoder(zw)}, nil
}

// Open appends a journal to the file at path. Each run writes its own zstd
// frame; readers see the runs as one stream of entries.
func Open(path string, next remote.Executor) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	r, err := NewRecorder(f, next)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	log.Info().Str("path", path).Msg("Journaling remote operations")
	return r, nil
}

// Exec forwards op and records the outcome
func (r *Recorder) Exec(ctx context.Context, dsn string, op remote.Operation) (*remote.Result, error) {
	start := time.Now()
	res, err := r.next.Exec(ctx, dsn, op)
	r.record(start, dsn, op, err)
	return res, err
}

func (r *Recorder) record(start time.Time, dsn string, op remote.Operation, opErr error) {
	params, err := encoding.Marshal(op)
	if err != nil {
		log.Warn().Err(err).Str("op", op.Name()).Msg("Unable to encode operation for journal")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.broken {
		return
	}

	r.seq++
	entry := Entry{
		Seq:      r.seq,
		Time:     start.UTC(),
		DSN:      dsn,
		Endpoint: remote.Endpoint(dsn),
		Op:       op.Name(),
		Params:   params,
		Duration: time.Since(start),
	}
	if opErr != nil {
		entry.Error = opErr.Error()
		var re *remote.Error
		if errors.As(opErr, &re) {
			entry.Code = re.Code
		}
	}

	if err := r.enc.Encode(&entry); err != nil {
		r.disable(err)
		return
	}
	if err := r.zw.Flush(); err != nil {
		r.disable(err)
	}
}

func (r *Recorder) disable(err error) {
	r.broken = true
	log.Error().Err(err).Uint64("seq", r.seq).Msg("Journal write failed, journaling disabled")
}

// Close ends the compressed stream and closes the file opened by Open
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.zw.Close()
	if r.closer != nil {
		if cerr := r.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Read decodes every entry of a journal stream
func Read(r io.Reader) ([]Entry, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	dec := encoding.NewDecoder(zr)
	var entries []Entry
	for {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				return entries, nil
			}
			return entries, fmt.Errorf("journal entry %d: %w", len(entries)+1, err)
		}
		entries = append(entries, e)
	}
}

// ReadFile decodes the journal at path
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}
