package invoke

// Wire shapes for request/reply over the bus. Requests go to the provider's
// service topic; replies come back on a per-client reply topic carried in
// the request.

const (
	// requestTopicPrefix is the per-service request topic prefix.
	requestTopicPrefix = "capmesh.rpc."

	// replyTopicPrefix is the per-client reply topic prefix.
	replyTopicPrefix = "capmesh.rpc.reply."
)

func requestTopic(serviceName string) string {
	return requestTopicPrefix + serviceName
}

type request struct {
	// ID correlates the reply with the pending call.
	ID string `json:"id"`
	// FunctionName is the tagged function to run.
	FunctionName string `json:"function_name"`
	// ReplyTopic is where the provider publishes the reply.
	ReplyTopic string `json:"reply_topic"`
	// ChainID and CallID thread the correlation chain across the hop.
	ChainID string `json:"chain_id,omitempty"`
	CallID  string `json:"call_id,omitempty"`
	// CallerID identifies the invoking component.
	CallerID  string         `json:"caller_id,omitempty"`
	Arguments map[string]any `json:"arguments"`
}

type reply struct {
	ID           string `json:"id"`
	Success      bool   `json:"success"`
	Result       any    `json:"result,omitempty"`
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}
