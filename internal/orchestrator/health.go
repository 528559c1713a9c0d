package orchestrator

import (
	"context"
	"strconv"
)

// Status is the health of one component.
type Status struct {
	Healthy bool
	Error   string
	Details map[string]string
}

func statusOf(err error) Status {
	if err != nil {
		return Status{Error: err.Error()}
	}
	return Status{Healthy: true}
}

// HealthCheck checks every component. Keys are "identity:<method>", "mfa", "rbac", "session"
// and "compliance". A failing component does not stop the others from being checked.
func (o *Orchestrator) HealthCheck(ctx context.Context) map[string]Status {
	out := make(map[string]Status)
	for _, p := range o.providers.All() {
		out["identity:"+string(p.Method())] = statusOf(p.HealthCheck(ctx))
	}
	if o.cfg.MFAEnabled {
		out["mfa"] = statusOf(o.mfa.HealthCheck(ctx))
	} else {
		out["mfa"] = Status{Healthy: true, Details: map[string]string{"enabled": "false"}}
	}
	out["rbac"] = statusOf(o.rbac.HealthCheck(ctx))
	out["session"] = statusOf(o.sessions.HealthCheck(ctx))
	c := o.cfg.Compliance
	out["compliance"] = Status{Healthy: true, Details: map[string]string{
		"data_retention":    c.DataRetention.String(),
		"right_to_erasure":  strconv.FormatBool(c.RightToErasure),
		"data_minimization": strconv.FormatBool(c.DataMinimization),
	}}
	return out
}

// Healthy reports whether every entry of a HealthCheck result is healthy.
func Healthy(statuses map[string]Status) bool {
	for _, s := range statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}
