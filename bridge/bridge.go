// Package bridge exposes the recorder to a host application as two methods,
// start and stop, completed through a Call.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"go2tv.app/screenrecorder/capture"
	"go2tv.app/screenrecorder/internal/logging"
	"go2tv.app/screenrecorder/library"
	"go2tv.app/screenrecorder/mux"
	"go2tv.app/screenrecorder/permission"
	"go2tv.app/screenrecorder/recorder"
)

// Reject codes.
const (
	CodeNotAvailable     = "NOT_AVAILABLE"
	CodeAlreadyCapturing = "ALREADY_CAPTURING"
	CodeInvalidOptions   = "INVALID_OPTIONS"
	CodeIOError          = "IO_ERROR"
	CodeStartFailed      = "START_FAILED"
	CodeStopFailed       = "STOP_FAILED"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodePersistFailed    = "PERSIST_FAILED"
	CodeNotCapturing     = "NOT_CAPTURING"
	CodeUnimplemented    = "UNIMPLEMENTED"
)

const (
	defaultStartTimeout = 30 * time.Second
	defaultStopTimeout  = 2 * time.Minute
)

// Call is one pending host invocation. Exactly one of Resolve or Reject is
// called, exactly once.
type Call interface {
	// Options returns the JSON arguments of the call, or nil.
	Options() json.RawMessage
	Resolve(result json.RawMessage)
	// Reject fails the call. data is an optional JSON object.
	Reject(message, code string, data json.RawMessage)
}

// Controller is satisfied by *recorder.Recorder.
type Controller interface {
	Start(ctx context.Context, options recorder.StartOptions) error
	Stop(ctx context.Context) (recorder.Artifact, error)
}

// StartOptions is the JSON shape of start arguments.
type StartOptions struct {
	Width         *int    `json:"width,omitempty"`
	Height        *int    `json:"height,omitempty"`
	OutputPath    *string `json:"outputPath,omitempty"`
	SaveToLibrary *bool   `json:"saveToLibrary,omitempty"`
}

// StopResult is the JSON shape of a resolved stop.
type StopResult struct {
	Path string `json:"path"`
}

type permissionData struct {
	State             string `json:"state"`
	DeniedPermanently bool   `json:"deniedPermanently"`
}

// Options tunes a Plugin.
type Options struct {
	StartTimeout time.Duration
	StopTimeout  time.Duration
	Logger       *zap.Logger
}

// Plugin dispatches host calls to a Controller. Each call runs on its own
// goroutine; the caller is never blocked.
type Plugin struct {
	ctrl    Controller
	opts    Options
	logger  *zap.Logger
	methods map[string]func(context.Context, Call)
	wg      sync.WaitGroup
}

// New returns a plugin over ctrl.
func New(ctrl Controller, options *Options) *Plugin {
	var opts Options
	if options != nil {
		opts = *options
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = defaultStartTimeout
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaultStopTimeout
	}
	p := &Plugin{
		ctrl:   ctrl,
		opts:   opts,
		logger: logging.OrNop(opts.Logger).Named("bridge"),
	}
	p.methods = map[string]func(context.Context, Call){
		"start": p.start,
		"stop":  p.stop,
	}
	return p
}

// Methods lists the names Invoke accepts.
func (p *Plugin) Methods() []string {
	return []string{"start", "stop"}
}

// Invoke runs method asynchronously and completes call when it finishes.
func (p *Plugin) Invoke(method string, call Call) {
	call = &onceCall{Call: call}
	fn, ok := p.methods[method]
	if !ok {
		call.Reject(fmt.Sprintf("method %q is not implemented", method), CodeUnimplemented, nil)
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if v := recover(); v != nil {
				p.logger.Error("bridge method panicked", zap.String("method", method), zap.Any("panic", v))
				call.Reject(fmt.Sprintf("%s panicked: %v", method, v), defaultCode(method), nil)
			}
		}()
		fn(context.Background(), call)
	}()
}

// Start is Invoke("start", call).
func (p *Plugin) Start(call Call) {
	p.Invoke("start", call)
}

// Stop is Invoke("stop", call).
func (p *Plugin) Stop(call Call) {
	p.Invoke("stop", call)
}

// Wait blocks until every invoked call has completed.
func (p *Plugin) Wait() {
	p.wg.Wait()
}

func (p *Plugin) start(ctx context.Context, call Call) {
	opts, err := parseStartOptions(call.Options())
	if err != nil {
		call.Reject(err.Error(), CodeInvalidOptions, nil)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.StartTimeout)
	defer cancel()
	if err := p.ctrl.Start(ctx, opts); err != nil {
		p.reject(call, "start", err)
		return
	}
	call.Resolve(json.RawMessage(`{}`))
}

func (p *Plugin) stop(ctx context.Context, call Call) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.StopTimeout)
	defer cancel()

	artifact, err := p.ctrl.Stop(ctx)
	if err != nil {
		p.reject(call, "stop", err)
		return
	}
	result, err := json.Marshal(StopResult{Path: artifact.Path})
	if err != nil {
		p.reject(call, "stop", err)
		return
	}
	call.Resolve(result)
}

func (p *Plugin) reject(call Call, method string, err error) {
	code, data := Classify(method, err)
	p.logger.Debug("call rejected", zap.String("method", method), zap.String("code", code), zap.Error(err))
	call.Reject(err.Error(), code, data)
}

func parseStartOptions(raw json.RawMessage) (recorder.StartOptions, error) {
	var in StartOptions
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &in); err != nil {
			return recorder.StartOptions{}, fmt.Errorf("%w: %v", capture.ErrInvalidOptions, err)
		}
	}
	var out recorder.StartOptions
	if in.Width != nil {
		out.Width = *in.Width
	}
	if in.Height != nil {
		out.Height = *in.Height
	}
	if in.OutputPath != nil {
		out.OutputPath = *in.OutputPath
	}
	out.SaveToLibrary = in.SaveToLibrary
	return out, nil
}

// Classify maps an error from method to a reject code and optional JSON data.
func Classify(method string, err error) (string, json.RawMessage) {
	var (
		permErr    *permission.Error
		persistErr *library.PersistError
		stopErr    *capture.StopFailedError
		ioErr      *mux.IOError
	)
	switch {
	case errors.As(err, &permErr):
		data, _ := json.Marshal(permissionData{State: permErr.State.String(), DeniedPermanently: permErr.DeniedPermanently})
		return CodePermissionDenied, data
	case errors.As(err, &persistErr):
		return CodePersistFailed, nil
	case errors.As(err, &stopErr):
		return CodeStopFailed, nil
	case errors.Is(err, capture.ErrNotAvailable):
		return CodeNotAvailable, nil
	case errors.Is(err, capture.ErrAlreadyCapturing):
		return CodeAlreadyCapturing, nil
	case errors.Is(err, recorder.ErrBusy) && method == "start":
		return CodeAlreadyCapturing, nil
	case errors.Is(err, capture.ErrNotCapturing):
		return CodeNotCapturing, nil
	case errors.Is(err, capture.ErrInvalidOptions):
		return CodeInvalidOptions, nil
	case errors.As(err, &ioErr):
		return CodeIOError, nil
	default:
		return defaultCode(method), nil
	}
}

func defaultCode(method string) string {
	if method == "stop" {
		return CodeStopFailed
	}
	return CodeStartFailed
}

// onceCall drops every completion after the first.
type onceCall struct {
	Call
	once sync.Once
}

func (c *onceCall) Resolve(result json.RawMessage) {
	c.once.Do(func() { c.Call.Resolve(result) })
}

func (c *onceCall) Reject(message, code string, data json.RawMessage) {
	c.once.Do(func() { c.Call.Reject(message, code, data) })
}
