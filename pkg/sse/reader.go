package sse

import (
	"io"
	"iter"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

const readBufferSize = 4096

// Progress is the running state after a content fragment.
type Progress struct {
	Content         string
	TotalTokens     int
	TokensPerSecond float64
	Elapsed         time.Duration
}

// Result is the final outcome of a stream.
type Result struct {
	Success         bool
	FullResponse    string
	Duration        time.Duration
	TokensPerSecond float64
	TotalTokens     int
	Err             error
}

// Option configures a Reader.
type Option func(*Reader)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reader) {
		r.now = now
	}
}

// Reader yields content fragments from a stream in arrival order.
// Like bufio.Scanner it is single pass: call Next until it returns false,
// then read Result.
type Reader struct {
	src   io.Reader
	start time.Time
	now   func() time.Time

	dec     Decoder
	buf     []byte
	pending []Frame

	response strings.Builder
	total    int
	progress Progress
	result   Result
	done     bool
}

// NewReader reads from src. start is the moment the request was dispatched.
func NewReader(src io.Reader, start time.Time, opts ...Option) *Reader {
	r := &Reader{
		src:   src,
		start: start,
		now:   time.Now,
		buf:   make([]byte, readBufferSize),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Next advances to the next content fragment.
func (r *Reader) Next() bool {
	for !r.done {
		if len(r.pending) > 0 {
			f := r.pending[0]
			r.pending = r.pending[1:]
			if f.Kind == FrameDone {
				r.succeed()
				return false
			}
			r.advance(f.Content)
			return true
		}

		n, err := r.src.Read(r.buf)
		if n > 0 {
			r.pending = append(r.pending, r.dec.Feed(r.buf[:n])...)
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			if f, ok := r.dec.Flush(); ok {
				r.pending = append(r.pending, f)
			}
			// graceful end without [DONE]: drain, then succeed
			if len(r.pending) == 0 {
				r.succeed()
				return false
			}
			r.pending = append(r.pending, Frame{Kind: FrameDone})
			continue
		}
		r.fail(err)
		return false
	}
	return false
}

// Progress returns the state after the fragment Next advanced to.
func (r *Reader) Progress() Progress {
	return r.progress
}

// Result returns the final outcome. It is only meaningful after Next returned false.
func (r *Reader) Result() Result {
	return r.result
}

// All returns the remaining fragments as an iterator.
func (r *Reader) All() iter.Seq[Progress] {
	return func(yield func(Progress) bool) {
		for r.Next() {
			if !yield(r.progress) {
				return
			}
		}
	}
}

func (r *Reader) advance(fragment string) {
	r.response.WriteString(fragment)
	r.total += EstimateTokens(fragment)
	elapsed := r.now().Sub(r.start)
	r.progress = Progress{
		Content:         fragment,
		TotalTokens:     r.total,
		TokensPerSecond: throughput(r.total, elapsed),
		Elapsed:         elapsed,
	}
}

func (r *Reader) succeed() {
	d := r.now().Sub(r.start)
	r.done = true
	r.pending = nil
	r.result = Result{
		Success:         true,
		FullResponse:    r.response.String(),
		Duration:        d,
		TokensPerSecond: throughput(r.total, d),
		TotalTokens:     r.total,
	}
}

func (r *Reader) fail(err error) {
	r.done = true
	r.pending = nil
	r.result = Result{
		Duration: r.now().Sub(r.start),
		Err:      errors.Wrap(err, "read stream"),
	}
}

// Read drains src, invoking observe for every fragment in arrival order.
// Transport failures are reported in the Result, never returned.
func Read(src io.Reader, start time.Time, observe func(Progress), opts ...Option) Result {
	rd := NewReader(src, start, opts...)
	for p := range rd.All() {
		if observe != nil {
			observe(p)
		}
	}
	return rd.Result()
}

func throughput(tokens int, d time.Duration) float64 {
	if tokens == 0 || d <= 0 {
		return 0
	}
	return float64(tokens) / d.Seconds()
}
