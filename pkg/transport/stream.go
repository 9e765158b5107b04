package transport

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// stream 基于 io.Reader/io.Writer 的通道实现，读协程把数据块推入缓冲通道，
// Drain 在预算内收集数据块。
type stream struct {
	w       io.Writer
	closer  func() error
	opts    Options
	dec     *Decoder
	limiter *rate.Limiter

	data   chan []byte
	eof    chan struct{}
	closed chan struct{}

	wmu       sync.Mutex
	closeOnce sync.Once
}

func newStream(r io.Reader, w io.Writer, closer func() error, opts Options) (*stream, error) {
	dec, err := NewDecoder(opts.Charset)
	if err != nil {
		return nil, err
	}
	s := &stream{
		w:      w,
		closer: closer,
		opts:   opts,
		dec:    dec,
		data:   make(chan []byte, 256),
		eof:    make(chan struct{}),
		closed: make(chan struct{}),
	}
	if opts.SendInterval > 0 {
		s.limiter = rate.NewLimiter(rate.Every(opts.SendInterval), 1)
	}
	go s.pump(r)
	return s, nil
}

// pump 读协程：读到错误（EOF/EIO）即视为对端关闭
func (s *stream) pump(r io.Reader) {
	defer close(s.eof)
	buf := make([]byte, s.opts.ReadBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case s.data <- chunk:
			case <-s.closed:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// Send 写入文本与行结束符
func (s *stream) Send(text string) error {
	return s.write([]byte(text + s.opts.LineTerminator))
}

// SendRaw 原样写入
func (s *stream) SendRaw(p []byte) error {
	return s.write(p)
}

func (s *stream) write(p []byte) error {
	select {
	case <-s.closed:
		return ErrClosed
	case <-s.eof:
		return ErrClosed
	default:
	}
	if s.limiter != nil {
		_ = s.limiter.Wait(context.Background())
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := s.w.Write(p); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// Drain 在 budget 内收集输出；已有数据且静默超过 QuietGap 时提前返回
func (s *stream) Drain(budget time.Duration) (string, error) {
	if budget <= 0 {
		budget = time.Millisecond
	}
	deadline := time.NewTimer(budget)
	defer deadline.Stop()

	var out []byte
	var quiet *time.Timer
	var quietC <-chan time.Time
	defer func() {
		if quiet != nil {
			quiet.Stop()
		}
	}()

	for {
		select {
		case chunk := <-s.data:
			out = append(out, chunk...)
			if s.opts.QuietGap > 0 {
				if quiet == nil {
					quiet = time.NewTimer(s.opts.QuietGap)
				} else {
					if !quiet.Stop() {
						select {
						case <-quiet.C:
						default:
						}
					}
					quiet.Reset(s.opts.QuietGap)
				}
				quietC = quiet.C
			}
		case <-quietC:
			return s.dec.Decode(out), nil
		case <-deadline.C:
			return s.dec.Decode(out), nil
		case <-s.closed:
			return s.dec.Decode(out), ErrClosed
		case <-s.eof:
			// 读协程已退出：把剩余数据块取完
		rest:
			for {
				select {
				case chunk := <-s.data:
					out = append(out, chunk...)
				default:
					break rest
				}
			}
			text := s.dec.Decode(out) + s.dec.Flush()
			if text != "" {
				return text, nil
			}
			return "", ErrClosed
		}
	}
}

// Close 关闭通道，可重复调用
func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.closer != nil {
			err = s.closer()
		}
	})
	return err
}
