// Package action implements the action registry & dispatcher (C3): named,
// typed-parameter RPCs the cloud invokes on the device.
package action

import (
	"github.com/montagao/iot-device-agent/internal/agent/cloudproto"
)

// Direction is a parameter's role in an action's schema.
type Direction int

const (
	In Direction = iota
	InRequired
	Out
)

// ParamSpec declares one parameter of an action's schema.
type ParamSpec struct {
	Name      string
	Direction Direction
	Type      cloudproto.ValueType
}

// Flag is a bitmask of action registration flags, matching the bitmask
// idiom the teacher uses for fsnotify op flags.
type Flag uint8

const (
	NoReturn Flag = 1 << iota
	ExclusiveDevice
	ExclusiveApp
)

func (f Flag) Has(h Flag) bool { return f&h == h }

// CallbackFunc is an in-process action handler. It receives the validated
// input parameters and returns output parameters (for params declared Out)
// plus an error reduced to a status code by agenterr.ToCode.
type CallbackFunc func(req *cloudproto.ActionRequest) (output map[string]cloudproto.Value, err error)

// Target is either an in-process callback or a subprocess command template.
// Exactly one of Callback or Command must be set.
type Target struct {
	Callback CallbackFunc
	// Command is an argv template; "in" parameter values are appended as
	// trailing argv tokens in schema order.
	Command []string
}

// Action is a registered, typed-parameter RPC.
type Action struct {
	Name   string
	Params []ParamSpec
	Flags  Flag
	Target Target
}

func (a *Action) paramSpec(name string) (ParamSpec, bool) {
	for _, p := range a.Params {
		if p.Name == name {
			return p, true
		}
	}
	return ParamSpec{}, false
}
