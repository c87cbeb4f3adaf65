package signalr

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/M1PPosu/lazer-server-sub001/internal/logging"
	"github.com/M1PPosu/lazer-server-sub001/internal/metrics"
)

var (
	ctxType    = reflect.TypeOf((*context.Context)(nil)).Elem()
	clientType = reflect.TypeOf((*Client)(nil))
	errorType  = reflect.TypeOf((*error)(nil)).Elem()
)

// hubMethod is a registered handler plus the argument types its wire
// arguments decode into.
type hubMethod struct {
	fn         reflect.Value
	argTypes   []reflect.Type
	hasResult  bool
	returnsErr bool
}

func newHubMethod(fn any) (*hubMethod, error) {
	v := reflect.ValueOf(fn)
	t := v.Type()
	if t.Kind() != reflect.Func {
		return nil, fmt.Errorf("handler is %T, not a func", fn)
	}
	if t.IsVariadic() {
		return nil, errors.New("variadic handlers are not supported")
	}
	if t.NumIn() < 2 || t.In(0) != ctxType || t.In(1) != clientType {
		return nil, errors.New("handler must start with (context.Context, *signalr.Client)")
	}

	m := &hubMethod{fn: v}
	for i := 2; i < t.NumIn(); i++ {
		m.argTypes = append(m.argTypes, t.In(i))
	}
	switch t.NumOut() {
	case 0:
	case 1:
		if t.Out(0) == errorType {
			m.returnsErr = true
		} else {
			m.hasResult = true
		}
	case 2:
		if t.Out(1) != errorType {
			return nil, errors.New("second return value must be error")
		}
		m.hasResult = true
		m.returnsErr = true
	default:
		return nil, errors.New("handler returns too many values")
	}
	return m, nil
}

func (m *hubMethod) call(ctx context.Context, c *Client, args []Argument) (any, error) {
	if len(args) != len(m.argTypes) {
		return nil, Errorf("expected %d arguments, got %d", len(m.argTypes), len(args))
	}

	in := make([]reflect.Value, 0, len(args)+2)
	in = append(in, reflect.ValueOf(ctx), reflect.ValueOf(c))
	for i, argType := range m.argTypes {
		dst := reflect.New(argType)
		if err := args[i].Decode(dst.Interface()); err != nil {
			logging.Warn(ctx, "Failed to decode invocation argument",
				zap.Int("index", i), zap.Error(err))
			return nil, Errorf("could not decode argument %d", i)
		}
		in = append(in, dst.Elem())
	}

	out := m.fn.Call(in)
	var result any
	if m.hasResult {
		result = out[0].Interface()
	}
	if m.returnsErr {
		if errVal := out[len(out)-1]; !errVal.IsNil() {
			return nil, errVal.Interface().(error)
		}
	}
	return result, nil
}

// dispatch runs one inbound invocation and, for blocking calls, answers
// it with a Completion.
func (h *Hub) dispatch(c *Client, inv *Invocation) {
	start := time.Now()
	ctx := logging.WithUser(context.Background(), c.UserID())

	defer func() {
		if r := recover(); r != nil {
			logging.Error(ctx, "Panic in hub method",
				zap.String("hub", h.name), zap.String("target", inv.Target), zap.Any("panic", r))
			metrics.HubInvocations.WithLabelValues(h.name, inv.Target, "panic").Inc()
			if inv.ID != "" {
				h.complete(c, inv.ID, "unexpected server error", nil, false)
			}
		}
	}()

	m, ok := h.handlers[strings.ToLower(inv.Target)]
	if !ok {
		logging.Warn(ctx, "Unknown hub method",
			zap.String("hub", h.name), zap.String("target", inv.Target))
		metrics.HubInvocations.WithLabelValues(h.name, inv.Target, "unknown").Inc()
		if inv.ID != "" {
			h.complete(c, inv.ID, fmt.Sprintf("unknown method %q", inv.Target), nil, false)
		}
		return
	}

	result, err := m.call(ctx, c, inv.Arguments)

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.HubInvocations.WithLabelValues(h.name, inv.Target, status).Inc()
	metrics.InvocationDuration.WithLabelValues(h.name, inv.Target).Observe(time.Since(start).Seconds())

	errMsg := ""
	if err != nil {
		var hubErr *HubError
		if errors.As(err, &hubErr) {
			errMsg = hubErr.Message
		} else {
			// Internal failures never leak their message to the client.
			logging.Error(ctx, "Hub method failed",
				zap.String("hub", h.name), zap.String("target", inv.Target), zap.Error(err))
			errMsg = "unexpected server error"
		}
	}

	if inv.ID == "" {
		return
	}
	h.complete(c, inv.ID, errMsg, result, m.hasResult)
}

func (h *Hub) complete(c *Client, id, errMsg string, result any, hasResult bool) {
	data, err := c.protocol.EncodeCompletion(id, errMsg, result, hasResult)
	if err != nil {
		logging.Error(context.Background(), "Failed to encode completion",
			zap.String("hub", h.name), zap.Error(err))
		data, err = c.protocol.EncodeCompletion(id, "unexpected server error", nil, false)
		if err != nil {
			return
		}
	}
	_ = c.sendRaw(data)
}
