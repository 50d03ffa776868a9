package staking

import (
	"options-core/pkg/db"
)

// selectLane picks which active lane the next trade should extend. The input
// is already filtered to lanes without a trade in flight and ordered oldest
// first, so "oldest wins" is simply index zero. Returns nil when there is no
// lane to extend.
//
//	fifo            oldest lane
//	round_robin     fewest trades, oldest breaks ties
//	symbol_priority same instrument first, then priority_symbols, then fifo
func selectLane(lanes []db.Lane, strategy, symbol string, priority []string) *db.Lane {
	if len(lanes) == 0 {
		return nil
	}
	switch strategy {
	case "round_robin":
		best := 0
		for i := 1; i < len(lanes); i++ {
			if lanes[i].TradesCount < lanes[best].TradesCount {
				best = i
			}
		}
		return &lanes[best]
	case "symbol_priority":
		for i := range lanes {
			if lanes[i].Symbol == symbol {
				return &lanes[i]
			}
		}
		for _, p := range priority {
			for i := range lanes {
				if lanes[i].Symbol == p {
					return &lanes[i]
				}
			}
		}
		return &lanes[0]
	default:
		return &lanes[0]
	}
}
