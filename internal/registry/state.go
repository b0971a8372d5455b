package registry

import "github.com/srediag/devsentry/internal/model"

// validTransitions is the closed lifecycle graph. Blocked is reachable only
// through RecordBlock (an explicit violation crossing a policy threshold),
// and left only through the administrative reset.
var validTransitions = map[model.InstanceState][]model.InstanceState{
	model.StateLoaded:   {model.StateStarting},
	model.StateStarting: {model.StateRunning, model.StateFailed, model.StateStopping, model.StateBlocked},
	model.StateRunning:  {model.StateStopping, model.StateStopped, model.StateBlocked, model.StateFailed},
	model.StateStopping: {model.StateStopped, model.StateBlocked, model.StateFailed},
	model.StateStopped:  {model.StateStarting},
	model.StateBlocked:  {model.StateStopped}, // administrative reset only
	model.StateFailed:   {model.StateStarting},
}

func canTransition(from, to model.InstanceState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
