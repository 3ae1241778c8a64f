package engine

import "time"

// EntryTrigger converts a signal bar into a concrete trade trigger at the
// open of the following bar of the same series, which is the earliest price
// the strategy could actually have traded on.
type EntryTrigger struct {
	SignalTime    time.Time
	ExecutionTime time.Time
	ExecutionOpen float64
}

// ResolveEntries emits one trigger per long-signal row, executed at the next
// row. A signal on the final row has no following bar and is dropped.
func ResolveEntries(rows []SignalRow) []EntryTrigger {
	var triggers []EntryTrigger
	for i := 0; i < len(rows)-1; i++ {
		if !rows[i].LongSignal {
			continue
		}
		next := rows[i+1]
		triggers = append(triggers, EntryTrigger{
			SignalTime:    rows[i].Timestamp,
			ExecutionTime: next.Timestamp,
			ExecutionOpen: next.Open,
		})
	}
	return triggers
}
