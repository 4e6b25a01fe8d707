package testsupport

import (
	"context"
	"fmt"
	"sync"

	"modelcall/internal/dispatch"
)

// ScriptedCaller answers calls from a per-item script of errors keyed by the
// value of one item field. Attempts beyond the script succeed with a response
// naming the key.
type ScriptedCaller struct {
	KeyField string

	mu      sync.Mutex
	scripts map[string][]error
	calls   map[string]int
	hints   map[string][]string
}

// NewScriptedCaller builds a caller keyed by keyField.
func NewScriptedCaller(keyField string) *ScriptedCaller {
	return &ScriptedCaller{
		KeyField: keyField,
		scripts:  make(map[string][]error),
		calls:    make(map[string]int),
		hints:    make(map[string][]string),
	}
}

// Fail queues errors returned by the first attempts for key.
func (c *ScriptedCaller) Fail(key string, errs ...error) *ScriptedCaller {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts[key] = append(c.scripts[key], errs...)
	return c
}

// Call implements dispatch.Caller.
func (c *ScriptedCaller) Call(ctx context.Context, req dispatch.CallRequest) (dispatch.Response, error) {
	if err := ctx.Err(); err != nil {
		return dispatch.Response{}, err
	}
	key := fmt.Sprint(req.Fields[c.KeyField])

	c.mu.Lock()
	attempt := c.calls[key]
	c.calls[key] = attempt + 1
	c.hints[key] = append(c.hints[key], req.Hint)
	script := c.scripts[key]
	c.mu.Unlock()

	if attempt < len(script) && script[attempt] != nil {
		return dispatch.Response{}, script[attempt]
	}
	return dispatch.Response{Content: "ok " + key}, nil
}

// Calls returns how many attempts key has received.
func (c *ScriptedCaller) Calls(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[key]
}

// TotalCalls returns the number of attempts across all keys.
func (c *ScriptedCaller) TotalCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, n := range c.calls {
		total += n
	}
	return total
}

// Hints returns the hints passed to each attempt for key.
func (c *ScriptedCaller) Hints(key string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.hints[key]...)
}
