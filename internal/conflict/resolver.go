// Package conflict detects and merges conflicting local and remote records.
package conflict

import (
	"encoding/json"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cmw1990/offline_sync/internal/log"
	"github.com/cmw1990/offline_sync/internal/queue"
)

// UpdatedAtField is the remote field compared against the queued mutation time.
const UpdatedAtField = "updated_at"

// HasConflict reports whether remote changed after item was queued. Only
// update operations can conflict.
func HasConflict(item queue.Item, remote map[string]any) bool {
	if item.Operation != queue.Update || remote == nil {
		return false
	}
	updatedAt, ok := ParseTime(remote[UpdatedAtField])
	if !ok {
		return false
	}
	return updatedAt.After(item.Timestamp)
}

// ParseTime reads an RFC3339 string or an epoch-milliseconds number.
func ParseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	case float64:
		return time.UnixMilli(int64(t)), true
	case int64:
		return time.UnixMilli(t), true
	case int:
		return time.UnixMilli(int64(t)), true
	case json.Number:
		ms, err := t.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return time.UnixMilli(ms), true
	case time.Time:
		return t, true
	}
	return time.Time{}, false
}

// Policy merges a local payload into the remote record of one table.
type Policy interface {
	Merge(local, remote map[string]any) map[string]any
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(local, remote map[string]any) map[string]any

// Merge implements Policy
func (f PolicyFunc) Merge(local, remote map[string]any) map[string]any {
	return f(local, remote)
}

// Resolver holds the merge policy for each table.
type Resolver struct {
	mu       sync.RWMutex
	policies map[string]Policy
	fallback Policy
	now      func() time.Time
}

// NewResolver creates a resolver using fallback for tables without a
// registered policy. A nil fallback selects DefaultPolicy.
func NewResolver(fallback Policy) *Resolver {
	if fallback == nil {
		fallback = DefaultPolicy()
	}
	return &Resolver{
		policies: make(map[string]Policy),
		fallback: fallback,
		now:      time.Now,
	}
}

// Register sets the merge policy for table.
func (r *Resolver) Register(table string, p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[table] = p
}

func (r *Resolver) policy(table string) Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.policies[table]; ok {
		return p
	}
	return r.fallback
}

// Merge combines local and remote with the table policy and stamps updated_at
// with the current time.
func (r *Resolver) Merge(local, remote map[string]any, table string) map[string]any {
	merged := r.policy(table).Merge(local, remote)
	if merged == nil {
		merged = make(map[string]any)
	}
	merged[UpdatedAtField] = r.now().UTC().Format(time.RFC3339Nano)

	log.WithComponent("conflict").WithFields(logrus.Fields{
		"table":  table,
		"fields": len(merged),
	}).Info("Conflict resolved by merge")
	return merged
}

// FieldPolicy is a field-wise merge that prefers remote values unless the
// local record was entered by the user.
type FieldPolicy struct {
	// UserEnteredField marks a local record as entered by the user.
	UserEnteredField string
	// UserFields restricts which local fields win for user entered records.
	// Empty means every local field wins.
	UserFields []string
	// UnionFields are arrays merged by set union, remote order first.
	UnionFields []string
	// MaxFields are numbers where the larger value is kept when the local
	// record is user entered.
	MaxFields []string
}

// DefaultPolicy is the baseline policy for wellness records.
func DefaultPolicy() FieldPolicy {
	return FieldPolicy{
		UserEnteredField: "user_entered",
		UnionFields:      []string{"tags", "achievements"},
		MaxFields:        []string{"intensity"},
	}
}

// Merge implements Policy
func (p FieldPolicy) Merge(local, remote map[string]any) map[string]any {
	merged := make(map[string]any, len(remote)+len(local))
	maps.Copy(merged, remote)
	for k, v := range local {
		if _, ok := remote[k]; !ok {
			merged[k] = v
		}
	}

	userEntered := p.UserEnteredField != "" && truthy(local[p.UserEnteredField])
	if userEntered {
		if len(p.UserFields) == 0 {
			maps.Copy(merged, local)
		} else {
			for _, f := range p.UserFields {
				if v, ok := local[f]; ok {
					merged[f] = v
				}
			}
		}
	}

	for _, f := range p.UnionFields {
		if u, ok := union(remote[f], local[f]); ok {
			merged[f] = u
		}
	}

	if userEntered {
		for _, f := range p.MaxFields {
			lv, lok := number(local[f])
			if !lok {
				continue
			}
			if rv, rok := number(remote[f]); rok && rv > lv {
				merged[f] = remote[f]
			} else {
				merged[f] = local[f]
			}
		}
	}
	return merged
}

func truthy(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b == "true"
	}
	return false
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// union merges two arrays keeping first-seen order. It reports false when
// neither side is an array.
func union(first, second any) ([]any, bool) {
	a, aok := first.([]any)
	b, bok := second.([]any)
	if !aok && !bok {
		return nil, false
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]any, 0, len(a)+len(b))
	for _, list := range [][]any{a, b} {
		for _, v := range list {
			k := fmt.Sprintf("%T:%v", v, v)
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, v)
		}
	}
	return out, true
}
