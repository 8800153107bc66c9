package service

import (
	"testing"
	"time"

	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/model"

	"github.com/stretchr/testify/require"
)

func TestQueue(t *testing.T) {
	t.Parallel()
	t0 := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	at := func(id string, sec int) model.Trigger {
		return model.Trigger{JobID: id, Due: t0.Add(time.Duration(sec) * time.Second)}
	}

	type given struct {
		push     []model.Trigger
		coalesce bool
		now      time.Time
		grace    time.Duration
	}
	type then struct {
		order    []model.Trigger
		expired  []model.Trigger
		replaced int
	}
	var testCases = []struct {
		scenario string
		given    given
		then     then
	}{
		{
			scenario: "ordered by due",
			given: given{
				push: []model.Trigger{at("b", 2), at("a", 1), at("c", 3)},
				now:  t0,
			},
			then: then{
				order: []model.Trigger{at("a", 1), at("b", 2), at("c", 3)},
			},
		},
		{
			scenario: "equal due keeps arrival",
			given: given{
				push: []model.Trigger{at("b", 1), at("a", 1)},
				now:  t0,
			},
			then: then{
				order: []model.Trigger{at("b", 1), at("a", 1)},
			},
		},
		{
			scenario: "all policy keeps duplicates",
			given: given{
				push: []model.Trigger{at("a", 1), at("a", 2), at("a", 3)},
				now:  t0,
			},
			then: then{
				order: []model.Trigger{at("a", 1), at("a", 2), at("a", 3)},
			},
		},
		{
			scenario: "coalesce keeps the latest",
			given: given{
				push:     []model.Trigger{at("a", 1), at("b", 2), at("a", 3)},
				coalesce: true,
				now:      t0,
			},
			then: then{
				order:    []model.Trigger{at("b", 2), at("a", 3)},
				replaced: 1,
			},
		},
		{
			scenario: "grace expires old triggers",
			given: given{
				push:  []model.Trigger{at("a", 0), at("b", 50), at("c", 100)},
				now:   t0.Add(100 * time.Second),
				grace: 30 * time.Second,
			},
			then: then{
				order:   []model.Trigger{at("c", 100)},
				expired: []model.Trigger{at("a", 0), at("b", 50)},
			},
		},
		{
			scenario: "zero grace never expires",
			given: given{
				push: []model.Trigger{at("a", 0)},
				now:  t0.Add(24 * time.Hour),
			},
			then: then{
				order: []model.Trigger{at("a", 0)},
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			var q queue
			replaced := 0
			for _, p := range tc.given.push {
				if _, ok := q.push(p, tc.given.coalesce); ok {
					replaced++
				}
			}
			require.Equal(t, tc.then.replaced, replaced)

			var order, expired []model.Trigger
			for {
				next, ok, exp := q.pop(tc.given.now, tc.given.grace)
				expired = append(expired, exp...)
				if !ok {
					break
				}
				order = append(order, next)
			}
			require.Equal(t, tc.then.order, order)
			require.Equal(t, tc.then.expired, expired)
			require.Zero(t, q.len())
		})
	}
}
