// Package reconciliation tracks the resources scenarios declare and removes
// the ones that are not part of the suite's baseline topology once a run ends.
package reconciliation

import (
	"fmt"
	"sort"
	"sync"

	"amqp-bdd/internal/config"
	"amqp-bdd/internal/queue"

	"github.com/rs/zerolog/log"
)

// Recorder collects declared queue and exchange names. It is shared by all
// scenarios of a run, which may execute concurrently.
type Recorder struct {
	mu        sync.Mutex
	queues    map[string]struct{}
	exchanges map[string]struct{}
}

func NewRecorder() *Recorder {
	return &Recorder{
		queues:    make(map[string]struct{}),
		exchanges: make(map[string]struct{}),
	}
}

func (r *Recorder) RecordQueue(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queues[name] = struct{}{}
}

func (r *Recorder) RecordExchange(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exchanges[name] = struct{}{}
}

// Queues returns the recorded queue names in sorted order.
func (r *Recorder) Queues() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.queues)
}

// Exchanges returns the recorded exchange names in sorted order.
func (r *Recorder) Exchanges() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.exchanges)
}

// Reset forgets everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queues = make(map[string]struct{})
	r.exchanges = make(map[string]struct{})
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CleanupResult contains the results of a cleanup operation
type CleanupResult struct {
	DeletedExchanges []string
	DeletedQueues    []string
	Kept             []string
	Errors           []string
}

// Summary returns a summary of the cleanup
func (r *CleanupResult) Summary() map[string]int {
	return map[string]int{
		"exchangesDeleted": len(r.DeletedExchanges),
		"queuesDeleted":    len(r.DeletedQueues),
		"kept":             len(r.Kept),
		"errors":           len(r.Errors),
	}
}

// Cleanup deletes every recorded queue and exchange that the baseline
// topology does not name. Deleting a queue drops its bindings with it.
// Individual failures are collected in the result rather than aborting.
// When d is also a queue.Lister, recorded resources that are already gone
// from the broker are skipped.
func Cleanup(d queue.Deleter, rec *Recorder, baseline config.Topology, dryRun bool) (*CleanupResult, error) {
	result := &CleanupResult{
		DeletedExchanges: []string{},
		DeletedQueues:    []string{},
		Kept:             []string{},
		Errors:           []string{},
	}

	if d == nil {
		return result, fmt.Errorf("deleter is nil")
	}
	if rec == nil {
		return result, fmt.Errorf("recorder is nil")
	}

	presentQueues, presentExchanges, err := present(d)
	if err != nil {
		return result, err
	}

	expectedQueues := make(map[string]bool, len(baseline.Queues))
	for _, name := range baseline.Queues {
		expectedQueues[name] = true
	}

	for _, name := range rec.Queues() {
		if expectedQueues[name] {
			result.Kept = append(result.Kept, name)
			continue
		}
		if presentQueues != nil && !presentQueues[name] {
			log.Debug().Str("queue", name).Msg("queue already gone")
			continue
		}
		if dryRun {
			result.DeletedQueues = append(result.DeletedQueues, name)
			log.Info().Str("queue", name).Msg("[DRY RUN] would delete queue")
			continue
		}
		if err := d.DeleteQueue(name); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("failed to delete queue %s: %v", name, err))
			continue
		}
		result.DeletedQueues = append(result.DeletedQueues, name)
		log.Debug().Str("queue", name).Msg("deleted queue")
	}

	for _, name := range rec.Exchanges() {
		if _, expected := baseline.Exchanges[name]; expected {
			result.Kept = append(result.Kept, name)
			continue
		}
		if presentExchanges != nil && !presentExchanges[name] {
			log.Debug().Str("exchange", name).Msg("exchange already gone")
			continue
		}
		if dryRun {
			result.DeletedExchanges = append(result.DeletedExchanges, name)
			log.Info().Str("exchange", name).Msg("[DRY RUN] would delete exchange")
			continue
		}
		if err := d.DeleteExchange(name); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("failed to delete exchange %s: %v", name, err))
			continue
		}
		result.DeletedExchanges = append(result.DeletedExchanges, name)
		log.Debug().Str("exchange", name).Msg("deleted exchange")
	}

	log.Info().Interface("summary", result.Summary()).Msg("cleanup completed")
	return result, nil
}

// present returns the queues and exchanges currently on the broker, or nil
// sets when d cannot list them.
func present(d queue.Deleter) (queues, exchanges map[string]bool, err error) {
	l, ok := d.(queue.Lister)
	if !ok {
		return nil, nil, nil
	}

	qs, err := l.ListQueues()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list queues: %w", err)
	}
	es, err := l.ListExchanges()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list exchanges: %w", err)
	}

	queues = make(map[string]bool, len(qs))
	for _, name := range qs {
		queues[name] = true
	}
	exchanges = make(map[string]bool, len(es))
	for _, name := range es {
		exchanges[name] = true
	}
	return queues, exchanges, nil
}
