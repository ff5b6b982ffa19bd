// Package providertest provides a scriptable in-memory provider for tests.
package providertest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/eternisai/seo-research/internal/provider"
	"github.com/eternisai/seo-research/internal/research"
)

// Submission is one recorded SubmitTask call.
type Submission struct {
	Endpoint       string
	Payload        json.RawMessage
	ProviderTaskID string
}

// Fake is a Pollable provider. Every submission costs the same estimate and
// every task walks through the same poll script unless scripted individually.
type Fake struct {
	name  string
	price research.Micros

	mu           sync.Mutex
	submits      []Submission
	submitErrs   []error
	script       []provider.PollResult
	taskScripts  map[string][]provider.PollResult
	pollErr      error
	pollCounts   map[string]int
	estimateErr  error
	submitHook   func(payload json.RawMessage) error
	nextSequence int
}

// New creates a fake whose tasks stay pending until scripted otherwise.
func New(name string, price research.Micros) *Fake {
	return &Fake{
		name:        name,
		price:       price,
		script:      []provider.PollResult{provider.Pending()},
		taskScripts: make(map[string][]provider.PollResult),
		pollCounts:  make(map[string]int),
	}
}

func (f *Fake) Name() string { return f.name }

func (f *Fake) EstimateCost(t research.QueryType, payload json.RawMessage) (research.Micros, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return f.price, nil
}

func (f *Fake) SubmitTask(ctx context.Context, endpoint string, payload json.RawMessage) (string, error) {
	f.mu.Lock()
	hook := f.submitHook
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		f.mu.Unlock()
		return "", err
	}
	f.mu.Unlock()

	if hook != nil {
		if err := hook(payload); err != nil {
			return "", err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSequence++
	id := fmt.Sprintf("%s-task-%d", f.name, f.nextSequence)
	f.submits = append(f.submits, Submission{Endpoint: endpoint, Payload: payload, ProviderTaskID: id})
	return id, nil
}

func (f *Fake) PollTask(ctx context.Context, providerTaskID string) (provider.PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pollCounts[providerTaskID]++
	if f.pollErr != nil {
		return provider.PollResult{}, f.pollErr
	}

	script, ok := f.taskScripts[providerTaskID]
	if !ok {
		script = append([]provider.PollResult(nil), f.script...)
	}
	if len(script) == 0 {
		return provider.Pending(), nil
	}
	result := script[0]
	if len(script) > 1 {
		script = script[1:]
	}
	f.taskScripts[providerTaskID] = script
	return result, nil
}

// Script sets the poll results every task not yet polled walks through. The
// last result repeats.
func (f *Fake) Script(results ...provider.PollResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = results
}

// ScriptTask sets the poll results of one provider task.
func (f *Fake) ScriptTask(providerTaskID string, results ...provider.PollResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.taskScripts[providerTaskID] = results
}

// FailSubmits makes the next len(errs) submissions fail with errs in order.
func (f *Fake) FailSubmits(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErrs = append(f.submitErrs, errs...)
}

// OnSubmit runs hook before every successful submission; a non-nil error
// fails the submission.
func (f *Fake) OnSubmit(hook func(payload json.RawMessage) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitHook = hook
}

// FailPolls makes every poll return err until called again with nil.
func (f *Fake) FailPolls(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollErr = err
}

// FailEstimates makes EstimateCost return err.
func (f *Fake) FailEstimates(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.estimateErr = err
}

// Submissions returns the recorded submissions.
func (f *Fake) Submissions() []Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Submission(nil), f.submits...)
}

// PollCount returns how often providerTaskID was polled.
func (f *Fake) PollCount(providerTaskID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pollCounts[providerTaskID]
}

// TotalPolls returns the number of polls across all tasks.
func (f *Fake) TotalPolls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int
	for _, c := range f.pollCounts {
		n += c
	}
	return n
}

// WithoutPolling hides PollTask so the fake looks like a submit-only provider.
func (f *Fake) WithoutPolling() provider.Provider {
	return submitOnly{f}
}

type submitOnly struct {
	f *Fake
}

func (s submitOnly) Name() string { return s.f.Name() }

func (s submitOnly) SubmitTask(ctx context.Context, endpoint string, payload json.RawMessage) (string, error) {
	return s.f.SubmitTask(ctx, endpoint, payload)
}

func (s submitOnly) EstimateCost(t research.QueryType, payload json.RawMessage) (research.Micros, error) {
	return s.f.EstimateCost(t, payload)
}

var _ provider.Pollable = (*Fake)(nil)
