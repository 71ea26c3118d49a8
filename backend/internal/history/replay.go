package history

import (
	"context"
	"fmt"
	"slices"
	"time"
)

// Replay 按 seq 顺序把事件交给 apply。
// 相邻事件之间等待 (时间戳差 / speed)；speed <= 0 时不等待。
// 只读，不会回到同步引擎。
func Replay(ctx context.Context, events []Event, speed float64, apply func(Event) error) error {
	sorted := slices.Clone(events)
	slices.SortFunc(sorted, func(a, b Event) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})

	var prev time.Time
	for i, evt := range sorted {
		if i > 0 && speed > 0 {
			if gap := evt.Timestamp.Sub(prev); gap > 0 {
				timer := time.NewTimer(time.Duration(float64(gap) / speed))
				select {
				case <-ctx.Done():
					timer.Stop()
					return ctx.Err()
				case <-timer.C:
				}
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := apply(evt); err != nil {
			return fmt.Errorf("replay seq %d: %w", evt.Seq, err)
		}
		prev = evt.Timestamp
	}
	return nil
}
