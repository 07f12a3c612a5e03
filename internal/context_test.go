package internal

import (
	"bytes"
	"context"
	"testing"

	"github.com/matrix-org/complement/must"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

func TestDecorateLogger(t *testing.T) {
	var buf bytes.Buffer
	l := zerolog.New(&buf)

	ctx := ConnContext(context.Background(), "conn-1")
	SetConnContextEvent(ctx, "join-document", "doc-1", "alice")
	DecorateLogger(ctx, l.Info()).Msg("")
	line := gjson.ParseBytes(buf.Bytes())
	must.Equal(t, line.Get("conn").Str, "conn-1", "conn field")
	must.Equal(t, line.Get("doc").Str, "doc-1", "doc field")
	must.Equal(t, line.Get("user").Str, "alice", "user field")
	must.Equal(t, line.Get("event").Str, "join-document", "event field")

	// later events without ids keep the last known ids
	buf.Reset()
	SetConnContextEvent(ctx, "leave-document", "", "")
	DecorateLogger(ctx, l.Info()).Msg("")
	line = gjson.ParseBytes(buf.Bytes())
	must.Equal(t, line.Get("doc").Str, "doc-1", "doc field after leave")
	must.Equal(t, line.Get("event").Str, "leave-document", "event field after leave")

	// undecorated contexts are left alone
	buf.Reset()
	DecorateLogger(context.Background(), l.Info()).Msg("")
	must.Equal(t, gjson.ParseBytes(buf.Bytes()).Get("conn").Exists(), false, "conn field should be absent")
}
