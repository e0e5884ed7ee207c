package runner

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/osbits/pagewatch/internal/config"
)

type maintenanceWindow struct {
	kind     config.MaintenanceKind
	start    time.Time
	end      time.Time
	schedule cron.Schedule
	duration time.Duration
}

func (m maintenanceWindow) contains(t time.Time) bool {
	switch m.kind {
	case config.MaintenanceKindRange:
		if m.start.IsZero() || m.end.IsZero() {
			return false
		}
		return !t.Before(m.start) && t.Before(m.end)
	case config.MaintenanceKindCron:
		if m.schedule == nil {
			return false
		}
		prev := m.schedule.Next(t.Add(-m.duration))
		if prev.After(t) {
			return false
		}
		return t.Sub(prev) <= m.duration
	default:
		return false
	}
}

// parseMaintenance compiles window specs. Cron windows open at each
// activation and stay open for duration.
func parseMaintenance(specs []config.MaintenanceSpec, loc *time.Location, duration time.Duration) ([]maintenanceWindow, error) {
	if duration <= 0 {
		duration = time.Hour
	}
	result := make([]maintenanceWindow, 0, len(specs))
	for _, spec := range specs {
		switch spec.Kind {
		case config.MaintenanceKindRange:
			start, end, err := parseRange(spec.Expr, loc)
			if err != nil {
				return nil, err
			}
			if !end.After(start) {
				return nil, fmt.Errorf("maintenance range %q ends before it starts", spec.Expr)
			}
			result = append(result, maintenanceWindow{
				kind:  config.MaintenanceKindRange,
				start: start,
				end:   end,
			})
		case config.MaintenanceKindCron:
			schedule, err := cron.ParseStandard(spec.Expr)
			if err != nil {
				return nil, fmt.Errorf("parse cron %q: %w", spec.Expr, err)
			}
			result = append(result, maintenanceWindow{
				kind:     config.MaintenanceKindCron,
				schedule: schedule,
				duration: duration,
			})
		default:
			return nil, fmt.Errorf("unsupported maintenance kind %q", spec.Kind)
		}
	}
	return result, nil
}

// parseRange reads "2006-01-02T15:04-2006-01-02T15:04".
func parseRange(expr string, loc *time.Location) (time.Time, time.Time, error) {
	const layout = "2006-01-02T15:04"
	expr = strings.TrimSpace(expr)
	if len(expr) != 2*len(layout)+1 || expr[len(layout)] != '-' {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid range %q", expr)
	}
	start, err := time.ParseInLocation(layout, expr[:len(layout)], loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse range start: %w", err)
	}
	end, err := time.ParseInLocation(layout, expr[len(layout)+1:], loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse range end: %w", err)
	}
	return start, end, nil
}

func inMaintenance(windows []maintenanceWindow, now time.Time) bool {
	for _, mw := range windows {
		if mw.contains(now) {
			return true
		}
	}
	return false
}
