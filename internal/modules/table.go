// Package modules hosts the business modules that own OCPP actions. Every action
// the system speaks is owned by exactly one module; the table of owners is built
// once at startup.
package modules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"csms/internal/ocpp"
)

// Request is a station-initiated call delivered to the module owning its action.
type Request struct {
	StationId     string
	CorrelationId string
	Action        string
	Protocol      string
	Payload       json.RawMessage
}

// Result is a station's answer to a backend call. Err is set when the station
// answered with a CallError or never answered; see router.ErrorOf.
type Result struct {
	StationId     string
	CorrelationId string
	Action        string
	Protocol      string
	Payload       json.RawMessage
	Err           error
}

// CallHandler answers a station call. The returned value is encoded as the
// CallResult payload; a Reply runs a follow-up once the answer is published.
type CallHandler func(ctx context.Context, req Request) (any, error)

type ResultHandler func(ctx context.Context, res Result) error

// Reply is a CallResult payload with work that must wait until the station has
// been answered, such as backend calls the answer makes possible.
type Reply struct {
	Payload any
	Then    func(ctx context.Context)
}

// Module registers the actions it owns.
type Module interface {
	Name() string
	Register(t *Table)
}

type callEntry struct {
	module  string
	handler CallHandler
}

type resultEntry struct {
	module  string
	handler ResultHandler
}

// Table maps actions to their owners.
type Table struct {
	calls   map[string]callEntry
	results map[string]resultEntry
	module  string
	errs    []error
}

func newTable() *Table {
	return &Table{calls: make(map[string]callEntry), results: make(map[string]resultEntry)}
}

// BuildTable registers every module and validates that each known action has
// exactly one owner.
func BuildTable(mods ...Module) (*Table, error) {
	t := newTable()
	for _, m := range mods {
		t.module = m.Name()
		m.Register(t)
	}
	t.module = ""
	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// OnCall claims a station-initiated action.
func (t *Table) OnCall(action string, h CallHandler) {
	if prev, ok := t.calls[action]; ok {
		t.errs = append(t.errs, fmt.Errorf("call %s owned by both %s and %s", action, prev.module, t.module))
		return
	}
	t.calls[action] = callEntry{module: t.module, handler: h}
}

// OnResult claims the results of a backend-initiated action.
func (t *Table) OnResult(action string, h ResultHandler) {
	if prev, ok := t.results[action]; ok {
		t.errs = append(t.errs, fmt.Errorf("result %s owned by both %s and %s", action, prev.module, t.module))
		return
	}
	t.results[action] = resultEntry{module: t.module, handler: h}
}

func (t *Table) validate() error {
	errs := append([]error(nil), t.errs...)
	for _, a := range ocpp.StationActions {
		if _, ok := t.calls[a]; !ok {
			errs = append(errs, fmt.Errorf("call %s has no owner", a))
		}
	}
	for _, a := range ocpp.BackendActions {
		if _, ok := t.results[a]; !ok {
			errs = append(errs, fmt.Errorf("result %s has no owner", a))
		}
	}
	for a := range t.calls {
		if !contains(ocpp.StationActions, a) {
			errs = append(errs, fmt.Errorf("call %s is not a station action", a))
		}
	}
	for a := range t.results {
		if !contains(ocpp.BackendActions, a) {
			errs = append(errs, fmt.Errorf("result %s is not a backend action", a))
		}
	}
	return errors.Join(errs...)
}

func (t *Table) call(action string) (callEntry, bool) {
	e, ok := t.calls[action]
	return e, ok
}

func (t *Table) result(action string) (resultEntry, bool) {
	e, ok := t.results[action]
	return e, ok
}

// Owners lists action → module, sorted by action.
func (t *Table) Owners() [][2]string {
	out := make([][2]string, 0, len(t.calls)+len(t.results))
	for a, e := range t.calls {
		out = append(out, [2]string{a, e.module})
	}
	for a, e := range t.results {
		out = append(out, [2]string{a + "Result", e.module})
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
