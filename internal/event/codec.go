package event

import (
	"encoding/json"
	"fmt"
)

// Encode serializes a fact for the payload column of the event log.
func Encode(evt Event) ([]byte, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", evt.EventType(), err)
	}
	return data, nil
}

// Decode rebuilds a typed fact from its stored type name and payload.
func Decode(eventType string, payload []byte) (Event, error) {
	var evt Event
	switch ParseEventType(eventType) {
	case EventTypeRaffleInitialized:
		evt = &RaffleInitialized{}
	case EventTypeRaffleEntered:
		evt = &RaffleEntered{}
	case EventTypeUpkeepPerformed:
		evt = &UpkeepPerformed{}
	case EventTypeRandomnessFulfilled:
		evt = &RandomnessFulfilled{}
	case EventTypeFeesWithdrawn:
		evt = &FeesWithdrawn{}
	case EventTypeRandomnessRequestCancelled:
		evt = &RandomnessRequestCancelled{}
	case EventTypeBalanceReconciled:
		evt = &BalanceReconciled{}
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}

	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", eventType, err)
	}
	return evt, nil
}
