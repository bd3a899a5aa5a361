package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sort"
	"sync"
)

// ReadSequence is the lazy, finite result sequence of one read command.
// It is consumed by one goroutine.
type ReadSequence struct {
	ch  *Channel
	cmd Command
	e   *entry

	mu   sync.Mutex
	done bool
	err  error
}

func (s *ReadSequence) Command() Command {
	return s.cmd
}

// Next returns the next frame in arrival order. The terminal frame is
// returned with a nil error; calls after it return io.EOF. A failure status
// ends the sequence with a *DeviceError.
func (s *ReadSequence) Next(ctx context.Context) (ResultFrame, error) {
	s.mu.Lock()
	if s.done {
		err := s.err
		s.mu.Unlock()
		if err == nil {
			err = io.EOF
		}
		return ResultFrame{}, err
	}
	s.mu.Unlock()

	f, err := s.e.next(ctx, s.ch.cfg.IdleTimeout)
	if err != nil {
		s.end(err)
		return ResultFrame{}, err
	}
	if f.Failed() {
		derr := &DeviceError{CommandID: s.cmd.ID, Method: s.cmd.Method, Code: f.Code, Message: f.Message}
		s.end(derr)
		return ResultFrame{}, derr
	}
	if IsTerminal(f) {
		s.end(nil)
	}
	return f, nil
}

// All iterates the remaining frames. Iteration stops after the terminal
// frame or after yielding a non-nil error.
func (s *ReadSequence) All(ctx context.Context) iter.Seq2[ResultFrame, error] {
	return func(yield func(ResultFrame, error) bool) {
		for {
			f, err := s.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(f, err) || err != nil {
				if err == nil {
					s.Cancel()
				}
				return
			}
		}
	}
}

// Collect buffers the sequence to its end and returns the reassembled frames.
func (s *ReadSequence) Collect(ctx context.Context) ([]ResultFrame, error) {
	var frames []ResultFrame
	for f, err := range s.All(ctx) {
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return Reassemble(frames)
}

// Cancel detaches the sequence. Later frames for its id are dropped.
func (s *ReadSequence) Cancel() {
	s.end(fmt.Errorf("%w: id=%s", ErrCanceled, s.cmd.ID))
}

func (s *ReadSequence) end(err error) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.err = err
	s.mu.Unlock()
	s.ch.finish(s.cmd, err)
}

// Reassemble orders chunked frames by seq and checks that indices 0..N-1
// each appear exactly once. Frames without seq must carry no content and
// are dropped. A response with no seq on any frame is returned as is.
func Reassemble(frames []ResultFrame) ([]ResultFrame, error) {
	sequenced := make([]ResultFrame, 0, len(frames))
	for _, f := range frames {
		if f.Seq != nil {
			sequenced = append(sequenced, f)
		}
	}
	if len(sequenced) == 0 {
		out := make([]ResultFrame, len(frames))
		copy(out, frames)
		return out, nil
	}
	for _, f := range frames {
		if f.Seq == nil && f.HasContent() {
			return nil, fmt.Errorf("%w: unsequenced frame with content in chunked response", ErrSequence)
		}
	}
	sort.SliceStable(sequenced, func(i, j int) bool {
		return *sequenced[i].Seq < *sequenced[j].Seq
	})
	for i, f := range sequenced {
		seq := *f.Seq
		switch {
		case seq < 0:
			return nil, fmt.Errorf("%w: invalid seq %d", ErrSequence, seq)
		case seq < i:
			return nil, fmt.Errorf("%w: duplicate seq %d", ErrSequence, seq)
		case seq > i:
			return nil, fmt.Errorf("%w: missing seq %d", ErrSequence, i)
		}
	}
	return sequenced, nil
}

// Bytes concatenates the base64 content of ordered frames.
func Bytes(frames []ResultFrame) ([]byte, error) {
	var out []byte
	for _, f := range frames {
		b, err := f.Bytes()
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

// Strings concatenates string-list content of ordered frames.
func Strings(frames []ResultFrame) ([]string, error) {
	var out []string
	for _, f := range frames {
		items, err := f.Strings()
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
	}
	return out, nil
}
