package connection_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/hupe1980/statewire/connection"
	"github.com/hupe1980/statewire/internal/testutil"
)

var _ connection.DiagnosticSink = (*testutil.RecordingSink)(nil)

var _ connection.Observer = (*testutil.RecordingObserver)(nil)

func newTestConnection(t *testing.T) (*connection.Connection, *testutil.CaptureWriter, *testutil.RecordingSink) {
	t.Helper()
	w := testutil.NewCaptureWriter()
	sink := &testutil.RecordingSink{}
	conn := connection.New(w, func(o *connection.Options) {
		o.Sink = sink
	})
	return conn, w, sink
}

func TestSend_EnvelopeShape(t *testing.T) {
	conn, w, _ := newTestConnection(t)

	id, err := conn.Send("load module", json.RawMessage(`{"file":"Foo.cry"}`), nil, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, id)

	env := gjson.ParseBytes(w.Last())
	assert.Equal(t, "2.0", env.Get("jsonrpc").String())
	assert.EqualValues(t, 1, env.Get("id").Uint())
	assert.Equal(t, "load module", env.Get("method").String())
	assert.Equal(t, "Foo.cry", env.Get("params.file").String())
	// Before any token has been observed, the empty-equivalent token is sent.
	assert.Equal(t, "[]", env.Get("params.state").Raw)
}

func TestSend_IDsAreMonotonic(t *testing.T) {
	conn, _, _ := newTestConnection(t)
	for want := uint64(1); want <= 5; want++ {
		id, err := conn.Send("m", nil, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, want, id)
	}
	assert.Equal(t, 5, conn.PendingCount())
}

func TestSend_NilParamsBecomeEmptyObject(t *testing.T) {
	conn, w, _ := newTestConnection(t)
	_, err := conn.Send("visible names", nil, nil, nil)
	require.NoError(t, err)

	env := gjson.ParseBytes(w.Last())
	assert.True(t, env.Get("params").IsObject())
	assert.Equal(t, "[]", env.Get("params.state").Raw)
}

func TestSend_RejectsNonObjectParams(t *testing.T) {
	conn, _, _ := newTestConnection(t)
	_, err := conn.Send("m", json.RawMessage(`[1,2,3]`), nil, nil)
	require.Error(t, err)
	assert.Equal(t, 0, conn.PendingCount(), "failed send must not leave a pending entry")
}

func TestSend_WriteFailureDeregisters(t *testing.T) {
	conn, w, _ := newTestConnection(t)
	w.FailWith(errors.New("broken pipe"))

	_, err := conn.Send("m", nil, func(json.RawMessage) {}, nil)
	require.Error(t, err)
	assert.Equal(t, 0, conn.PendingCount())
}

func TestHandleMessage_RoutesResult(t *testing.T) {
	conn, _, sink := newTestConnection(t)

	var got json.RawMessage
	id, err := conn.Send("evaluate expression", json.RawMessage(`{"expression":"1+1"}`),
		func(answer json.RawMessage) { got = answer }, nil)
	require.NoError(t, err)

	conn.HandleMessage(testutil.ResultReply(id, `{"value":2}`, `"tok-1"`))

	assert.JSONEq(t, `{"value":2}`, string(got))
	assert.Equal(t, 0, conn.PendingCount())
	unrouted, unexpected, violations := sink.Snapshot()
	assert.Empty(t, unrouted)
	assert.Empty(t, unexpected)
	assert.Empty(t, violations)
}

func TestHandleMessage_RoutesError(t *testing.T) {
	conn, _, _ := newTestConnection(t)

	var got *connection.RPCError
	id, err := conn.Send("verify", nil, func(json.RawMessage) {
		t.Error("success continuation must not fire for an error reply")
	}, func(e *connection.RPCError) { got = e })
	require.NoError(t, err)

	conn.HandleMessage(testutil.ErrorReply(id, 20500, "verification failed", `{"goal":3}`))

	require.NotNil(t, got)
	assert.EqualValues(t, 20500, got.Code)
	assert.Equal(t, "verification failed", got.Message)
	assert.JSONEq(t, `{"goal":3}`, string(got.Data))
	assert.Equal(t, 0, conn.PendingCount())
}

func TestHandleMessage_ErrorWithoutFailureContinuation(t *testing.T) {
	conn, _, sink := newTestConnection(t)

	id, err := conn.Send("m", nil, func(json.RawMessage) {
		t.Error("success continuation must not fire for an error reply")
	}, nil)
	require.NoError(t, err)

	conn.HandleMessage(testutil.ErrorReply(id, 1, "boom", ""))

	_, unexpected, _ := sink.Snapshot()
	require.Len(t, unexpected, 1)
	assert.Equal(t, "boom", unexpected[0].Message)
	assert.Equal(t, 0, conn.PendingCount(), "the pending entry is consumed either way")
}

func TestHandleMessage_UnroutedReplies(t *testing.T) {
	conn, _, sink := newTestConnection(t)

	conn.HandleMessage(testutil.ResultReply(99, `true`, ""))
	conn.HandleMessage(testutil.ErrorReply(42, 7, "nope", ""))

	unrouted, _, _ := sink.Snapshot()
	assert.Equal(t, []uint64{99, 42}, unrouted)
}

func TestHandleMessage_ProtocolViolations(t *testing.T) {
	conn, _, sink := newTestConnection(t)

	conn.HandleMessage([]byte(`{"id":1}`))
	conn.HandleMessage([]byte(`{"id":1,"result":{"answer":1},"error":{"code":1,"message":"x"}}`))
	conn.HandleMessage([]byte(`[1,2,3]`))

	_, _, violations := sink.Snapshot()
	assert.Len(t, violations, 3)
}

func TestStateThreading(t *testing.T) {
	conn, w, _ := newTestConnection(t)

	id, err := conn.Send("load module", nil, nil, nil)
	require.NoError(t, err)
	conn.HandleMessage(testutil.ResultReply(id, `null`, `{"chain":1}`))
	assert.JSONEq(t, `{"chain":1}`, string(conn.State()))

	// The next send carries the observed token.
	_, err = conn.Send("evaluate expression", nil, nil, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"chain":1}`, gjson.ParseBytes(w.Last()).Get("params.state").Raw)
}

func TestStateThreading_ReplyWithoutStateKeepsToken(t *testing.T) {
	conn, _, _ := newTestConnection(t)

	id, _ := conn.Send("a", nil, nil, nil)
	conn.HandleMessage(testutil.ResultReply(id, `null`, `"tok"`))

	id2, _ := conn.Send("b", nil, nil, nil)
	conn.HandleMessage(testutil.ResultReply(id2, `null`, ""))

	assert.JSONEq(t, `"tok"`, string(conn.State()))
}

func TestStateThreading_TokenStoredBeforeContinuation(t *testing.T) {
	conn, _, _ := newTestConnection(t)

	var tokenDuringContinuation json.RawMessage
	id, _ := conn.Send("m", nil, func(json.RawMessage) {
		tokenDuringContinuation = conn.State()
	}, nil)
	conn.HandleMessage(testutil.ResultReply(id, `null`, `"fresh"`))

	assert.JSONEq(t, `"fresh"`, string(tokenDuringContinuation))
}

func TestSendStateful_ExplicitToken(t *testing.T) {
	conn, w, _ := newTestConnection(t)

	// Establish an ambient token first.
	id, _ := conn.Send("a", nil, nil, nil)
	conn.HandleMessage(testutil.ResultReply(id, `null`, `"ambient"`))

	var gotState json.RawMessage
	id2, err := conn.SendStateful("b", nil, json.RawMessage(`"pinned"`),
		func(_, state json.RawMessage) { gotState = state }, nil)
	require.NoError(t, err)

	// The outbound call carries the pinned token, not the ambient one.
	assert.JSONEq(t, `"pinned"`, gjson.ParseBytes(w.Last()).Get("params.state").Raw)

	conn.HandleMessage(testutil.ResultReply(id2, `null`, `"next"`))
	assert.JSONEq(t, `"next"`, string(gotState))
}

func TestCorrelation_ConcurrentInterleavedReplies(t *testing.T) {
	conn, _, sink := newTestConnection(t)

	// N in-flight requests, replies delivered concurrently in arbitrary
	// order: each continuation must fire exactly once, with its own answer.
	const n = 50
	type record struct {
		count  atomic.Int32
		answer string
	}
	records := make(map[uint64]*record, n)
	for i := 0; i < n; i++ {
		r := &record{}
		id, err := conn.Send("m", nil, func(answer json.RawMessage) {
			r.count.Add(1)
			r.answer = string(answer)
		}, nil)
		require.NoError(t, err)
		records[id] = r
	}

	var wg sync.WaitGroup
	for id := range records {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			conn.HandleMessage(testutil.ResultReply(id, fmt.Sprintf(`{"echo":%d}`, id), ""))
		}(id)
	}
	wg.Wait()

	for id, r := range records {
		assert.EqualValues(t, 1, r.count.Load(), "continuation for id %d", id)
		assert.Equal(t, fmt.Sprintf(`{"echo":%d}`, id), r.answer)
	}
	assert.Equal(t, 0, conn.PendingCount())
	unrouted, unexpected, violations := sink.Snapshot()
	assert.Empty(t, unrouted)
	assert.Empty(t, unexpected)
	assert.Empty(t, violations)
}

func TestNotify_NoIDNoPending(t *testing.T) {
	conn, w, _ := newTestConnection(t)

	require.NoError(t, conn.Notify("interrupt", nil))

	env := gjson.ParseBytes(w.Last())
	assert.False(t, env.Get("id").Exists())
	assert.Equal(t, "interrupt", env.Get("method").String())
	assert.Equal(t, "[]", env.Get("params.state").Raw)
	assert.Equal(t, 0, conn.PendingCount())
}

func TestObserver_SeesEveryPayload(t *testing.T) {
	w := testutil.NewCaptureWriter()
	obs := &testutil.RecordingObserver{}
	conn := connection.New(w, func(o *connection.Options) {
		o.Observer = obs
		o.Sink = &testutil.RecordingSink{}
	})

	id, err := conn.Send("m", nil, nil, nil)
	require.NoError(t, err)
	conn.HandleMessage(testutil.ResultReply(id, `null`, ""))
	conn.HandleMessage([]byte(`{"bogus":true}`)) // violations are observed too

	sent, received := obs.Counts()
	assert.Equal(t, 1, sent)
	assert.Equal(t, 2, received)
}
