package event

import (
	"encoding/json"
	"fmt"
)

// commandPayload is the stored form of a command in the event log. The
// body is the command struct itself; the type tag selects the decode
// target on replay.
type commandPayload struct {
	Type CommandType     `json:"type"`
	Body json.RawMessage `json:"body"`
}

// EncodeCommand serializes a command for the event log.
func EncodeCommand(cmd Command) ([]byte, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", cmd.CommandType(), err)
	}
	return json.Marshal(commandPayload{
		Type: cmd.CommandType(),
		Body: body,
	})
}

// DecodeCommand deserializes an event-log payload back into a command.
// Only payloads written by EncodeCommand are accepted; external input goes
// through the ingestion parser instead.
func DecodeCommand(data []byte) (Command, error) {
	var p commandPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode payload envelope: %w", err)
	}

	var cmd Command
	switch p.Type {
	case CommandTypeOpenPosition:
		cmd = &OpenPosition{}
	case CommandTypeClosePosition:
		cmd = &ClosePosition{}
	case CommandTypeDepositAndOpen:
		cmd = &DepositAndOpen{}
	case CommandTypeUpdateConfig:
		cmd = &UpdateConfig{}
	default:
		return nil, fmt.Errorf("decode payload: unknown command type %d", p.Type)
	}

	if err := json.Unmarshal(p.Body, cmd); err != nil {
		return nil, fmt.Errorf("decode %s body: %w", p.Type, err)
	}
	return cmd, nil
}
