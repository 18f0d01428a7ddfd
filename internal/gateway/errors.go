package gateway

import "github.com/circlesabound/fctrl-agent/internal/agenterr"

func kindOf(err error) agenterr.Kind {
	if k := agenterr.KindOf(err); k != "" {
		return k
	}
	return agenterr.BadRequest
}
