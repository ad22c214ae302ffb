package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/runtime"
	"github.com/mailru/easyjson"
)

// Element is a DOM node located by Query.
type Element struct {
	session  *Session
	nodeID   cdp.NodeID
	selector string
}

// NodeID returns the protocol node id.
func (e *Element) NodeID() int64 {
	return int64(e.nodeID)
}

// Selector returns the selector the element was found with.
func (e *Element) Selector() string {
	return e.selector
}

// IsXPath reports whether selector is an XPath expression rather than a
// CSS selector.
func IsXPath(selector string) bool {
	return strings.HasPrefix(selector, "/") || strings.HasPrefix(selector, "(")
}

// Document enables the DOM domain and returns the document's root node id.
func (s *Session) Document(ctx context.Context) (int64, error) {
	if err := s.EnableDomains(ctx, "DOM"); err != nil {
		return 0, err
	}
	root, err := dom.GetDocument().Do(s.exec.with(ctx))
	if err != nil {
		return 0, fmt.Errorf("getting document: %w", err)
	}
	return int64(root.NodeID), nil
}

// QuerySelector runs a CSS selector under nodeID and returns the first
// match, or 0 when nothing matches.
func (s *Session) QuerySelector(ctx context.Context, nodeID int64, selector string) (int64, error) {
	id, err := dom.QuerySelector(cdp.NodeID(nodeID), selector).Do(s.exec.with(ctx))
	if err != nil {
		return 0, fmt.Errorf("querying selector: %w", err)
	}
	return int64(id), nil
}

// SetNodeValue sets the value of a node (for text nodes, their text).
func (s *Session) SetNodeValue(ctx context.Context, nodeID int64, value string) error {
	if err := dom.SetNodeValue(cdp.NodeID(nodeID), value).Do(s.exec.with(ctx)); err != nil {
		return fmt.Errorf("setting node value: %w", err)
	}
	return nil
}

// Query finds the first element matching selector, which is either a CSS
// selector or an XPath expression (starting with "/" or "(").
func (s *Session) Query(ctx context.Context, selector string) (*Element, error) {
	root, err := s.Document(ctx)
	if err != nil {
		return nil, err
	}

	var nodeID cdp.NodeID
	if IsXPath(selector) {
		nodeID, err = s.queryXPath(ctx, selector)
	} else {
		var id int64
		id, err = s.QuerySelector(ctx, root, selector)
		nodeID = cdp.NodeID(id)
	}
	if err != nil {
		return nil, err
	}
	if nodeID == 0 {
		return nil, notFound(selector)
	}

	return &Element{session: s, nodeID: nodeID, selector: selector}, nil
}

func (s *Session) queryXPath(ctx context.Context, xpath string) (cdp.NodeID, error) {
	quoted, err := json.Marshal(xpath)
	if err != nil {
		return 0, err
	}
	expr := fmt.Sprintf(
		"document.evaluate(%s, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue",
		quoted,
	)

	obj, exc, err := runtime.Evaluate(expr).Do(s.exec.with(ctx))
	if err != nil {
		return 0, fmt.Errorf("evaluating xpath: %w", err)
	}
	if exc != nil {
		return 0, evaluationError(exc)
	}
	if obj == nil || obj.ObjectID == "" {
		return 0, nil
	}
	defer s.releaseObject(obj.ObjectID)

	nodeID, err := dom.RequestNode(obj.ObjectID).Do(s.exec.with(ctx))
	if err != nil {
		return 0, fmt.Errorf("requesting node: %w", err)
	}
	return nodeID, nil
}

func (s *Session) releaseObject(id runtime.RemoteObjectID) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := runtime.ReleaseObject(id).Do(s.exec.with(ctx)); err != nil {
		s.log.Debugf("session", "releasing object %s: %v", id, err)
	}
}

// callOn calls a function declaration with this bound to the element and
// returns the decoded result.
func (e *Element) callOn(ctx context.Context, fn string, args ...any) (any, error) {
	s := e.session
	obj, err := dom.ResolveNode().WithNodeID(e.nodeID).Do(s.exec.with(ctx))
	if err != nil {
		return nil, fmt.Errorf("resolving node: %w", err)
	}
	defer s.releaseObject(obj.ObjectID)

	callArgs := make([]*runtime.CallArgument, 0, len(args))
	for _, a := range args {
		v, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("encoding argument: %w", err)
		}
		callArgs = append(callArgs, &runtime.CallArgument{Value: easyjson.RawMessage(v)})
	}

	res, exc, err := runtime.CallFunctionOn(fn).
		WithObjectID(obj.ObjectID).
		WithArguments(callArgs).
		WithReturnByValue(true).
		WithAwaitPromise(true).
		Do(s.exec.with(ctx))
	if err != nil {
		return nil, fmt.Errorf("calling function on node: %w", err)
	}
	if exc != nil {
		return nil, evaluationError(exc)
	}
	return decodeRemoteObject(res)
}

// Text returns the element's rendered text.
func (e *Element) Text(ctx context.Context) (string, error) {
	v, err := e.callOn(ctx, `function() { return this.innerText ?? this.textContent ?? ""; }`)
	if err != nil {
		return "", err
	}
	text, _ := v.(string)
	return text, nil
}

// SetText replaces the element's text content.
func (e *Element) SetText(ctx context.Context, text string) error {
	_, err := e.callOn(ctx, `function(text) { this.textContent = text; }`, text)
	return err
}

// Click scrolls the element into view and clicks its center.
func (e *Element) Click(ctx context.Context) error {
	s := e.session
	if err := dom.ScrollIntoViewIfNeeded().WithNodeID(e.nodeID).Do(s.exec.with(ctx)); err != nil {
		return fmt.Errorf("scrolling into view: %w", err)
	}

	box, err := dom.GetBoxModel().WithNodeID(e.nodeID).Do(s.exec.with(ctx))
	if err != nil {
		return fmt.Errorf("getting box model: %w", err)
	}
	if box == nil || len(box.Content) < 8 {
		return fmt.Errorf("invalid box model for %s", e.selector)
	}
	q := box.Content
	x := (q[0] + q[2] + q[4] + q[6]) / 4
	y := (q[1] + q[3] + q[5] + q[7]) / 4

	return s.dispatchMouseClick(ctx, x, y)
}

// dispatchMouseClick dispatches mouseMoved, mousePressed, and mouseReleased events.
func (s *Session) dispatchMouseClick(ctx context.Context, x, y float64) error {
	if err := input.DispatchMouseEvent(input.MouseMoved, x, y).Do(s.exec.with(ctx)); err != nil {
		return fmt.Errorf("dispatching mouseMoved: %w", err)
	}
	for _, typ := range []input.MouseType{input.MousePressed, input.MouseReleased} {
		err := input.DispatchMouseEvent(typ, x, y).
			WithButton(input.Left).
			WithClickCount(1).
			Do(s.exec.with(ctx))
		if err != nil {
			return fmt.Errorf("dispatching %s: %w", typ, err)
		}
	}
	return nil
}
