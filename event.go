package dltraffic

import (
	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
)

// EventHandle refers to one scheduled event and lets its owner cancel it.
// The event manager still pops a cancelled event, but the handler behind
// the handle is never called.
type EventHandle struct {
	context   any
	data      any
	handler   evtm.EventHandlerFunction
	at        float64
	cancelled bool
	fired     bool
}

// ScheduleEvent schedules handler(context, data) after offset seconds and returns a handle to it
func ScheduleEvent(evtMgr *evtm.EventManager, context any, data any,
	handler evtm.EventHandlerFunction, offset float64) *EventHandle {

	eh := &EventHandle{context: context, data: data, handler: handler,
		at: evtMgr.CurrentSeconds() + offset}
	evtMgr.Schedule(eh, nil, fireHandle, vrtime.SecondsToTime(offset))
	return eh
}

// fireHandle is the event handler actually given to the event manager
func fireHandle(evtMgr *evtm.EventManager, context any, data any) any {
	eh := context.(*EventHandle)
	if eh.cancelled {
		return nil
	}
	eh.fired = true
	return eh.handler(evtMgr, eh.context, eh.data)
}

// Cancel stops the handler from running.  It returns false if the handler already ran
// or the handle was already cancelled.
func (eh *EventHandle) Cancel() bool {
	if eh == nil || eh.fired || eh.cancelled {
		return false
	}
	eh.cancelled = true
	return true
}

// Pending is true while the event is scheduled, not yet fired and not cancelled
func (eh *EventHandle) Pending() bool {
	return eh != nil && !eh.fired && !eh.cancelled
}

// Time is the simulation time, in seconds, the event was scheduled for
func (eh *EventHandle) Time() float64 {
	return eh.at
}

// Cancelled reports whether Cancel took effect
func (eh *EventHandle) Cancelled() bool {
	return eh != nil && eh.cancelled
}
