package saga

// DefaultCommandTopic is the routing designation participants subscribe to.
const DefaultCommandTopic = "saga.command"

// DefaultResponseTopic carries participant verdicts back to the orchestrator.
const DefaultResponseTopic = "saga.command_response"

// Command is a directive sent to a participant.
type Command struct {
	Name    string         `json:"name"`
	SagaID  string         `json:"sagaId"`
	Step    int            `json:"step"`
	Payload map[string]any `json:"payload"`
}

// NewCommand builds a command for the given saga. A nil payload becomes an empty map.
func NewCommand(name, sagaID string, payload map[string]any) Command {
	if payload == nil {
		payload = map[string]any{}
	}
	return Command{
		Name:    name,
		SagaID:  sagaID,
		Payload: payload,
	}
}

// CommandResponse is a participant's verdict on a previously issued Command.
// Step echoes Command.Step when the participant supports it.
type CommandResponse struct {
	Name   string `json:"name"`
	SagaID string `json:"sagaId"`
	Step   *int   `json:"step,omitempty"`
	OK     bool   `json:"ok"`
}

// ResponseFor builds the response a participant sends for cmd.
func ResponseFor(cmd Command, ok bool) CommandResponse {
	step := cmd.Step
	return CommandResponse{
		Name:   cmd.Name,
		SagaID: cmd.SagaID,
		Step:   &step,
		OK:     ok,
	}
}
