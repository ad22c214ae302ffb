package session

import (
	"context"

	"github.com/chromedp/cdproto/cdp"
	"github.com/mailru/easyjson"

	"github.com/tomyan/bidicap/internal/bidi"
)

// executor runs typed cdproto commands over a Conn, scoped to one target
// session or, with an empty sessionID, to the browser.
type executor struct {
	conn      *bidi.Conn
	sessionID string
}

var _ cdp.Executor = executor{}

func (e executor) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	result, err := e.conn.SendSession(ctx, e.sessionID, method, params)
	if err != nil {
		return err
	}
	if res == nil || len(result) == 0 {
		return nil
	}
	return easyjson.Unmarshal(result, res)
}

// with returns ctx carrying e, for cdproto's Do methods.
func (e executor) with(ctx context.Context) context.Context {
	return cdp.WithExecutor(ctx, e)
}
