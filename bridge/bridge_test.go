package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go2tv.app/screenrecorder/capture"
	"go2tv.app/screenrecorder/library"
	"go2tv.app/screenrecorder/mux"
	"go2tv.app/screenrecorder/permission"
	"go2tv.app/screenrecorder/recorder"
)

type fakeController struct {
	mu       sync.Mutex
	startErr error
	stopErr  error
	path     string
	started  []recorder.StartOptions
}

func (f *fakeController) Start(_ context.Context, opts recorder.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, opts)
	return f.startErr
}

func (f *fakeController) Stop(context.Context) (recorder.Artifact, error) {
	if f.stopErr != nil {
		return recorder.Artifact{}, f.stopErr
	}
	return recorder.Artifact{Path: f.path, CreatedAt: time.Now()}, nil
}

type testCall struct {
	options json.RawMessage
	done    chan struct{}

	mu      sync.Mutex
	calls   int
	result  json.RawMessage
	message string
	code    string
	data    json.RawMessage
}

func newCall(options string) *testCall {
	c := &testCall{done: make(chan struct{})}
	if options != "" {
		c.options = json.RawMessage(options)
	}
	return c
}

func (c *testCall) Options() json.RawMessage { return c.options }

func (c *testCall) Resolve(result json.RawMessage) {
	c.finish(func() { c.result = result })
}

func (c *testCall) Reject(message, code string, data json.RawMessage) {
	c.finish(func() { c.message, c.code, c.data = message, code, data })
}

func (c *testCall) finish(set func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	set()
	if c.calls == 1 {
		close(c.done)
	}
}

func (c *testCall) wait(t *testing.T) {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("call never completed")
	}
}

func TestStartResolvesEmptyObject(t *testing.T) {
	ctrl := &fakeController{}
	p := New(ctrl, nil)

	call := newCall(`{"width": 1280, "height": 720, "outputPath": "/tmp/x.mp4", "saveToLibrary": false}`)
	p.Start(call)
	call.wait(t)
	p.Wait()

	assert.JSONEq(t, `{}`, string(call.result))
	require.Len(t, ctrl.started, 1)
	got := ctrl.started[0]
	assert.Equal(t, 1280, got.Width)
	assert.Equal(t, 720, got.Height)
	assert.Equal(t, "/tmp/x.mp4", got.OutputPath)
	require.NotNil(t, got.SaveToLibrary)
	assert.False(t, *got.SaveToLibrary)
}

func TestStartWithoutOptionsUsesDefaults(t *testing.T) {
	ctrl := &fakeController{}
	p := New(ctrl, nil)

	call := newCall("")
	p.Start(call)
	call.wait(t)

	require.Len(t, ctrl.started, 1)
	assert.Equal(t, recorder.StartOptions{}, ctrl.started[0])
}

func TestStartRejectsMalformedOptions(t *testing.T) {
	ctrl := &fakeController{}
	p := New(ctrl, nil)

	call := newCall(`{"width": "wide"}`)
	p.Start(call)
	call.wait(t)

	assert.Equal(t, CodeInvalidOptions, call.code)
	assert.Empty(t, ctrl.started)
}

func TestStopResolvesPath(t *testing.T) {
	p := New(&fakeController{path: "/rec/record_1.mp4"}, nil)

	call := newCall("")
	p.Stop(call)
	call.wait(t)

	assert.JSONEq(t, `{"path": "/rec/record_1.mp4"}`, string(call.result))
	assert.Empty(t, call.code)
}

func TestRejectCodes(t *testing.T) {
	tests := []struct {
		name   string
		method string
		err    error
		code   string
	}{
		{"not available", "start", capture.ErrNotAvailable, CodeNotAvailable},
		{"already capturing", "start", capture.ErrAlreadyCapturing, CodeAlreadyCapturing},
		{"busy start", "start", recorder.ErrBusy, CodeAlreadyCapturing},
		{"invalid options", "start", capture.ErrInvalidOptions, CodeInvalidOptions},
		{"open failed", "start", &mux.IOError{Op: "open", Path: "/x", Err: errors.New("denied")}, CodeIOError},
		{"first sample timeout", "start", capture.ErrFirstSampleTimeout, CodeStartFailed},
		{"stop failed", "stop", &capture.StopFailedError{Err: errors.New("hung")}, CodeStopFailed},
		{"finalize failed", "stop", &mux.IOError{Op: "finalize", Path: "/x", Err: mux.ErrNeverStarted}, CodeIOError},
		{"persist failed", "stop", &library.PersistError{Path: "/x", Err: errors.New("full")}, CodePersistFailed},
		{"not capturing", "stop", capture.ErrNotCapturing, CodeNotCapturing},
		{"busy stop", "stop", recorder.ErrBusy, CodeStopFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, data := Classify(tt.method, tt.err)
			assert.Equal(t, tt.code, code)
			assert.Nil(t, data)
		})
	}
}

func TestPermissionRejectCarriesDeniedPermanently(t *testing.T) {
	for _, tt := range []struct {
		err  *permission.Error
		want string
	}{
		{&permission.Error{State: permission.Restricted, DeniedPermanently: true}, `{"state":"restricted","deniedPermanently":true}`},
		{&permission.Error{State: permission.Undetermined}, `{"state":"undetermined","deniedPermanently":false}`},
	} {
		p := New(&fakeController{stopErr: tt.err}, nil)
		call := newCall("")
		p.Stop(call)
		call.wait(t)

		assert.Equal(t, CodePermissionDenied, call.code)
		assert.JSONEq(t, tt.want, string(call.data))
	}
}

func TestUnknownMethod(t *testing.T) {
	p := New(&fakeController{}, nil)
	call := newCall("")
	p.Invoke("pause", call)
	call.wait(t)
	assert.Equal(t, CodeUnimplemented, call.code)
}

type panickingController struct{ fakeController }

func (*panickingController) Stop(context.Context) (recorder.Artifact, error) {
	panic("boom")
}

func TestPanicCompletesCallOnce(t *testing.T) {
	p := New(&panickingController{}, nil)
	call := newCall("")
	p.Stop(call)
	call.wait(t)
	p.Wait()

	call.mu.Lock()
	defer call.mu.Unlock()
	assert.Equal(t, 1, call.calls)
	assert.Equal(t, CodeStopFailed, call.code)
}

func TestServeLines(t *testing.T) {
	p := New(&fakeController{path: "/rec/a.mp4", startErr: capture.ErrNotAvailable}, nil)

	in := strings.NewReader(strings.Join([]string{
		`{"id": 1, "method": "start", "options": {"width": 640}}`,
		``,
		`{"id": 2, "method": "stop"}`,
		`not json`,
	}, "\n"))
	var out bytes.Buffer
	require.NoError(t, p.Serve(context.Background(), in, &out))

	byID := map[string]Response{}
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		var resp Response
		require.NoError(t, json.Unmarshal([]byte(line), &resp))
		byID[string(resp.ID)] = resp
	}
	require.Len(t, byID, 3)

	require.NotNil(t, byID["1"].Error)
	assert.Equal(t, CodeNotAvailable, byID["1"].Error.Code)
	assert.JSONEq(t, `{"path": "/rec/a.mp4"}`, string(byID["2"].Result))
	require.NotNil(t, byID["null"].Error)
	assert.Equal(t, CodeInvalidOptions, byID["null"].Error.Code)
}
