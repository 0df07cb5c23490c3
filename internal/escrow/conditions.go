// ABOUTME: Pure condition evaluation: typed predicate + escrow snapshot -> met/not met.
// ABOUTME: Malformed or unknown conditions resolve to "not met", never to an error.
package escrow

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/seniormugambe/stellapath/internal/domain"
)

// EvaluateCondition maps one condition to its status at now. Deterministic
// and side-effect free: the same condition and clock always produce the same
// answer. Missing parameters and unknown types are logged and resolve to
// "not met" so a bad condition can never release an escrow.
func EvaluateCondition(cond domain.Condition, now time.Time, log *slog.Logger) domain.ConditionStatus {
	if log == nil {
		log = slog.Default()
	}
	status := domain.ConditionStatus{Condition: cond, CheckedAt: now}

	switch cond.Type {
	case domain.ConditionTimeBased:
		target, ok := paramTime(cond.Parameters, "targetTime")
		if !ok {
			log.Warn("time_based condition missing targetTime parameter")
			status.Evidence = "missing targetTime parameter"
			return status
		}
		status.Met = !now.Before(target)
		status.Evidence = fmt.Sprintf("target %s", target.UTC().Format(time.RFC3339))

	case domain.ConditionManualApproval:
		approved, _ := cond.Parameters["approved"].(bool)
		status.Met = approved
		if approved {
			status.Evidence = "approved"
		} else {
			status.Evidence = "awaiting approval"
		}

	case domain.ConditionOracleBased:
		// The oracle integration is an extension point: evaluation reads the
		// verified flag or a pre-supplied value/threshold pair that an
		// external oracle feed writes into the parameters.
		if verified, _ := cond.Parameters["verified"].(bool); verified {
			status.Met = true
			status.Evidence = "verified by oracle"
			return status
		}
		value, okV := paramFloat(cond.Parameters, "value")
		threshold, okT := paramFloat(cond.Parameters, "threshold")
		if okV && okT {
			status.Met = value >= threshold
			status.Evidence = fmt.Sprintf("value %g against threshold %g", value, threshold)
			return status
		}
		status.Evidence = "no oracle verification on record"

	default:
		log.Warn("unknown condition type", "type", cond.Type)
		status.Evidence = "unknown condition type"
	}
	return status
}

// EvaluateAll evaluates every condition against the same clock. allMet is
// true only when the set is non-empty and every condition is met — an escrow
// with no conditions never auto-releases.
func EvaluateAll(conds []domain.Condition, now time.Time, log *slog.Logger) (statuses []domain.ConditionStatus, allMet bool) {
	statuses = make([]domain.ConditionStatus, 0, len(conds))
	allMet = len(conds) > 0
	for _, cond := range conds {
		st := EvaluateCondition(cond, now, log)
		statuses = append(statuses, st)
		if !st.Met {
			allMet = false
		}
	}
	return statuses, allMet
}

// paramTime reads a timestamp parameter that may arrive as an RFC 3339 string
// or a numeric Unix epoch (JSON numbers decode as float64).
func paramTime(params map[string]any, key string) (time.Time, bool) {
	switch v := params[key].(type) {
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	case float64:
		return time.Unix(int64(v), 0), true
	default:
		return time.Time{}, false
	}
}

// paramFloat reads a numeric parameter.
func paramFloat(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}
