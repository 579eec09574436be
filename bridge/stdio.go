package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"go.uber.org/zap"
)

const maxRequestLine = 1 << 20

// Request is one line read by Serve.
type Request struct {
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Options json.RawMessage `json:"options,omitempty"`
}

// Response is one line written by Serve.
type Response struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ResponseError  `json:"error,omitempty"`
}

// ResponseError carries a rejected call.
type ResponseError struct {
	Message string          `json:"message"`
	Code    string          `json:"code"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Serve reads newline-delimited JSON requests from r and writes one
// response line per request to w, in completion order. It returns when r
// is exhausted or ctx is done, after every pending call completed.
func (p *Plugin) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	out := &lineWriter{enc: json.NewEncoder(w)}
	defer p.Wait()

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64*1024), maxRequestLine)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if len(line) == 0 {
				continue
			}
			var req Request
			if err := json.Unmarshal(line, &req); err != nil {
				p.logger.Debug("malformed request", zap.Error(err))
				out.write(Response{Error: &ResponseError{Message: err.Error(), Code: CodeInvalidOptions}})
				continue
			}
			p.Invoke(req.Method, &streamCall{req: req, out: out})
		}
	}
}

type lineWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (l *lineWriter) write(resp Response) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.enc.Encode(resp)
}

type streamCall struct {
	req Request
	out *lineWriter
}

func (c *streamCall) Options() json.RawMessage {
	return c.req.Options
}

func (c *streamCall) Resolve(result json.RawMessage) {
	c.out.write(Response{ID: c.req.ID, Result: result})
}

func (c *streamCall) Reject(message, code string, data json.RawMessage) {
	c.out.write(Response{ID: c.req.ID, Error: &ResponseError{Message: message, Code: code, Data: data}})
}
