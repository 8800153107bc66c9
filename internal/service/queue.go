package service

import (
	"slices"
	"time"

	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/model"
)

// queue holds the triggers waiting for the single worker, ordered by due
// time. It is owned by the event loop and not safe for concurrent use.
type queue struct {
	items []model.Trigger
}

// push adds t. With coalesce a pending trigger of the same job is replaced,
// and returned as dropped.
func (q *queue) push(t model.Trigger, coalesce bool) (dropped model.Trigger, replaced bool) {
	if coalesce {
		if i := slices.IndexFunc(q.items, func(p model.Trigger) bool { return p.JobID == t.JobID }); i >= 0 {
			dropped = q.items[i]
			replaced = true
			q.items = slices.Delete(q.items, i, i+1)
		}
	}
	i, _ := slices.BinarySearchFunc(q.items, t, func(a, b model.Trigger) int {
		// equal due times keep arrival order
		if a.Due.After(b.Due) {
			return 1
		}
		return -1
	})
	q.items = slices.Insert(q.items, i, t)
	return dropped, replaced
}

// pop returns the earliest trigger. Triggers older than grace are removed
// and returned as expired, a zero grace never expires.
func (q *queue) pop(now time.Time, grace time.Duration) (next model.Trigger, ok bool, expired []model.Trigger) {
	for len(q.items) > 0 {
		head := q.items[0]
		q.items = q.items[1:]
		if grace > 0 && now.Sub(head.Due) > grace {
			expired = append(expired, head)
			continue
		}
		return head, true, expired
	}
	return model.Trigger{}, false, expired
}

func (q *queue) len() int {
	return len(q.items)
}
