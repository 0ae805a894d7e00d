package core

// Reply actions used by the builders below.
const (
	ActionReceipt   = "RCPT"
	ActionException = "ERR"
)

// BuildReceipt answers original on behalf of its target component.
func BuildReceipt(original *Message, result any) *Message {
	return reply(original, original.Target, MessageTypeReceipt, ActionReceipt, result)
}

// BuildException reports a component failure on behalf of its target.
func BuildException(original *Message, fault *Fault) *Message {
	return reply(original, original.Target, MessageTypeException, ActionException, fault)
}

// BuildServerReceipt answers original on behalf of the named server.
func BuildServerReceipt(original *Message, result any, serverName string) *Message {
	return reply(original, ControlAddress(serverName), MessageTypeReceipt, ActionReceipt, result)
}

// BuildServerException reports a server-side failure for original.
func BuildServerException(original *Message, fault *Fault, serverName string) *Message {
	return reply(original, ControlAddress(serverName), MessageTypeException, ActionException, fault)
}

func reply(original *Message, sender string, t MessageType, action string, arg any) *Message {
	return &Message{
		Action:    action,
		Arguments: []any{arg},
		Sender:    sender,
		Target:    original.Sender,
		RefID:     original.RefID,
		Type:      t,
		Priority:  original.Priority,
	}
}
