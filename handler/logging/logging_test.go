package logging_test

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-nio/buffer"
	"github.com/momentics/hioload-nio/channel/embedded"
	"github.com/momentics/hioload-nio/handler/logging"
)

func entries(t *testing.T, out *bytes.Buffer) []map[string]any {
	t.Helper()
	var got []map[string]any
	sc := bufio.NewScanner(out)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		got = append(got, m)
	}
	return got
}

func events(list []map[string]any) []string {
	names := make([]string, 0, len(list))
	for _, m := range list {
		names = append(names, m["event"].(string))
	}
	return names
}

func TestHandler_LogsEventsAndPassesThem(t *testing.T) {
	var out bytes.Buffer
	h := logging.New(logging.WithLogger(zerolog.New(&out)), logging.WithLevel(zerolog.InfoLevel), logging.WithPayloadLimit(2))
	ec := embedded.New(h)

	_, err := ec.WriteInbound(buffer.CopiedBuffer([]byte("abc")))
	require.NoError(t, err)
	in := ec.ReadInbound().(*buffer.ByteBuf)
	assert.Equal(t, "abc", string(in.Bytes()))
	in.Release()

	_, err = ec.WriteOutbound("reply")
	require.NoError(t, err)
	assert.Equal(t, "reply", ec.ReadOutbound())

	ec.Pipeline().FireExceptionCaught(errors.New("boom"))
	assert.EqualError(t, ec.CheckException(), "boom")
	_, err = ec.Finish()
	require.NoError(t, err)

	list := entries(t, &out)
	names := events(list)
	assert.Subset(t, names, []string{"ACTIVE", "READ", "READ COMPLETE", "WRITE", "FLUSH", "EXCEPTION", "CLOSE", "INACTIVE"})
	for _, m := range list {
		assert.Equal(t, "info", m["level"])
		assert.Equal(t, ec.ID().Short(), m["channel"])
		assert.Equal(t, "embedded", m["local"])
		switch m["event"] {
		case "READ":
			assert.Equal(t, float64(3), m["bytes"])
			assert.Equal(t, "6162", m["payload"])
		case "WRITE":
			assert.Equal(t, "string", m["type"])
		case "EXCEPTION":
			assert.Equal(t, "boom", m["error"])
		}
	}
}

func TestHandler_SilentBelowLoggerLevel(t *testing.T) {
	var out bytes.Buffer
	h := logging.New(logging.WithLogger(zerolog.New(&out).Level(zerolog.WarnLevel)))
	assert.Equal(t, zerolog.DebugLevel, h.Level())

	ec := embedded.New(h)
	_, err := ec.WriteInbound("ping")
	require.NoError(t, err)
	assert.Zero(t, out.Len())
}

func TestHandler_IsSharable(t *testing.T) {
	h := logging.New()
	a := embedded.New(h)
	b := embedded.New(h)
	assert.NoError(t, a.CheckException())
	assert.NoError(t, b.CheckException())
	assert.Equal(t, 1, b.Pipeline().Len())
}

func TestHandler_UsesPackageLogger(t *testing.T) {
	prev := *logging.Logger()
	t.Cleanup(func() { logging.SetLogger(prev) })

	var out bytes.Buffer
	logging.SetLogger(zerolog.New(&out))
	ec := embedded.New(logging.New())
	_, err := ec.WriteInbound("ping")
	require.NoError(t, err)
	assert.Contains(t, events(entries(t, &out)), "READ")
}
