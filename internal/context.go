package internal

import (
	"context"

	"github.com/rs/zerolog"
)

type ctx string

var (
	ctxData ctx = "collab_conn_data"
)

// logging metadata for a single relay connection
type data struct {
	connID     string
	userID     string
	documentID string
	event      string
}

// ConnContext prepares a context so it can carry connection info for log decoration.
func ConnContext(ctx context.Context, connID string) context.Context {
	d := &data{
		connID: connID,
	}
	return context.WithValue(ctx, ctxData, d)
}

// SetConnContextEvent records the event currently being handled. Need to have called ConnContext first.
func SetConnContextEvent(ctx context.Context, event, documentID, userID string) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.event = event
	if documentID != "" {
		da.documentID = documentID
	}
	if userID != "" {
		da.userID = userID
	}
}

func DecorateLogger(ctx context.Context, l *zerolog.Event) *zerolog.Event {
	d := ctx.Value(ctxData)
	if d == nil {
		return l
	}
	da := d.(*data)
	if da.connID != "" {
		l = l.Str("conn", da.connID)
	}
	if da.userID != "" {
		l = l.Str("user", da.userID)
	}
	if da.documentID != "" {
		l = l.Str("doc", da.documentID)
	}
	if da.event != "" {
		l = l.Str("event", da.event)
	}
	return l
}
