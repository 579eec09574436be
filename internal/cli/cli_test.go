package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go2tv.app/screenrecorder/bridge"
	"go2tv.app/screenrecorder/capture"
	"go2tv.app/screenrecorder/config"
	"go2tv.app/screenrecorder/internal/app"
	"go2tv.app/screenrecorder/library"
	"go2tv.app/screenrecorder/mux"
	"go2tv.app/screenrecorder/permission"
	"go2tv.app/screenrecorder/recorder"
)

func testDeps(store permission.Store) *Dependencies {
	return &Dependencies{
		App: &app.App{
			Store: store,
			Gate:  permission.NewGate(store, nil, nil),
		},
		Config: config.Default(),
	}
}

func execute(t *testing.T, deps *Dependencies, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd(deps)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestPermissionCommands(t *testing.T) {
	store := permission.NewMemoryStore(permission.Undetermined)
	deps := testDeps(store)

	out, err := execute(t, deps, "permission", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "undetermined")

	_, err = execute(t, deps, "permission", "grant")
	require.NoError(t, err)
	state, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, permission.Authorized, state)

	_, err = execute(t, deps, "permission", "deny")
	require.NoError(t, err)
	out, err = execute(t, deps, "permission", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "denied")

	_, err = execute(t, deps, "permission", "reset")
	require.NoError(t, err)
	state, err = store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, permission.Undetermined, state)
}

func TestInspectPrintsTracks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.mp4")
	w, err := mux.Open(path, mux.VideoSettings{Codec: mux.CodecH264, Width: 320, Height: 240}, nil)
	require.NoError(t, err)
	video, err := w.AddVideoInput(mux.VideoSettings{})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		w.Append(mux.Sample{PTS: time.Duration(i) * 40 * time.Millisecond, Data: []byte{0, 0, 0, 1, 0x65}, Keyframe: i == 0}, video)
	}
	_, err = w.Finalize(context.Background())
	require.NoError(t, err)

	out, err := execute(t, testDeps(permission.NewMemoryStore(permission.Undetermined)), "inspect", path)
	require.NoError(t, err)
	assert.Contains(t, out, "video")
	assert.Contains(t, out, "avc1")
	assert.Contains(t, out, "3 samples")
}

func TestInspectMissingFile(t *testing.T) {
	_, err := execute(t, testDeps(permission.NewMemoryStore(permission.Undetermined)), "inspect", filepath.Join(t.TempDir(), "none.mp4"))
	assert.Error(t, err)
}

func TestRecordRejectsArgs(t *testing.T) {
	_, err := execute(t, testDeps(permission.NewMemoryStore(permission.Undetermined)), "record", "extra")
	assert.Error(t, err)
}

// persistingController hands a fixed file to the library on every stop.
type persistingController struct {
	persister *library.Persister
	path      string

	mu     sync.Mutex
	active bool
}

func (c *persistingController) Start(context.Context, recorder.StartOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		return capture.ErrAlreadyCapturing
	}
	c.active = true
	return nil
}

func (c *persistingController) Stop(ctx context.Context) (recorder.Artifact, error) {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return recorder.Artifact{}, capture.ErrNotCapturing
	}
	c.active = false
	c.mu.Unlock()

	if _, err := c.persister.Persist(ctx, c.path); err != nil {
		return recorder.Artifact{}, err
	}
	return recorder.Artifact{Path: c.path}, nil
}

func TestServeDoesNotPromptOnRequestStream(t *testing.T) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	store := permission.NewMemoryStore(permission.Undetermined)
	gate := permission.NewGate(store, &permission.TerminalPrompter{In: inR, Out: io.Discard}, nil)
	lib, err := library.NewDirLibrary(t.TempDir(), nil)
	require.NoError(t, err)
	clip := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(clip, []byte("clip"), 0o644))

	ctrl := &persistingController{persister: library.NewPersister(gate, lib, nil), path: clip}
	deps := &Dependencies{
		App:    &app.App{Store: store, Gate: gate, Plugin: bridge.New(ctrl, nil)},
		Config: config.Default(),
	}

	cmd := NewRootCmd(deps)
	cmd.SetIn(inR)
	cmd.SetOut(outW)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"serve"})
	done := make(chan error, 1)
	go func() {
		done <- cmd.ExecuteContext(context.Background())
		_ = outW.Close()
	}()

	responses := make(chan bridge.Response)
	go func() {
		defer close(responses)
		sc := bufio.NewScanner(outR)
		for sc.Scan() {
			var resp bridge.Response
			if json.Unmarshal(sc.Bytes(), &resp) == nil {
				responses <- resp
			}
		}
	}()

	call := func(line string) bridge.Response {
		t.Helper()
		_, err := io.WriteString(inW, line+"\n")
		require.NoError(t, err)
		select {
		case resp, ok := <-responses:
			require.True(t, ok, "serve exited early")
			return resp
		case <-time.After(2 * time.Second):
			require.FailNow(t, "no response for "+line)
			return bridge.Response{}
		}
	}

	resp := call(`{"id":1,"method":"start"}`)
	assert.Nil(t, resp.Error)

	resp = call(`{"id":2,"method":"stop"}`)
	assert.JSONEq(t, "2", string(resp.ID))
	require.NotNil(t, resp.Error)
	assert.Equal(t, bridge.CodePermissionDenied, resp.Error.Code)
	assert.JSONEq(t, `{"state":"undetermined","deniedPermanently":false}`, string(resp.Error.Data))

	resp = call(`{"id":3,"method":"start"}`)
	assert.JSONEq(t, "3", string(resp.ID))
	assert.Nil(t, resp.Error, "the next request is served, not taken as a prompt answer")

	require.NoError(t, inW.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "serve did not return after stdin closed")
	}

	state, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, permission.Undetermined, state)
	assert.Equal(t, 0, store.Saves())
}
