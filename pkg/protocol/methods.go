package protocol

// RPC method name constants. These names are part of the wire contract
// between services; channels, CLI clients, and the MCP bridge all call
// them by string.

// Gateway-owned methods.
const (
	MethodRegister = "gateway.register"
	MethodStats    = "gateway.stats"
)

// Sessions service.
const (
	MethodSessionCreate      = "session.create"
	MethodSessionGet         = "session.get"
	MethodSessionUpdate      = "session.update"
	MethodSessionDelete      = "session.delete"
	MethodSessionList        = "session.list"
	MethodSessionAddMessage  = "session.addMessage"
	MethodSessionGetMessages = "session.getMessages"
)

// Agent service.
const (
	MethodAgentRun    = "agent.run"
	MethodAgentAbort  = "agent.abort"
	MethodAgentStatus = "agent.status"
	MethodAgentStats  = "agent.stats"
)

// Tools service.
const (
	MethodToolList     = "tool.list"
	MethodToolExecute  = "tool.execute"
	MethodToolDescribe = "tool.describe"
)

// Channel services. The channel manager registers channel.send,
// channel.status and channel.list under one connection and dispatches
// each call to the adapter named in its params.
const (
	MethodChannelSend   = "channel.send"
	MethodChannelStatus = "channel.status"
	MethodChannelList   = "channel.list"
)

// Cron service.
const (
	MethodCronList   = "cron.list"
	MethodCronAdd    = "cron.add"
	MethodCronRemove = "cron.remove"
	MethodCronUpdate = "cron.update"
	MethodCronRun    = "cron.run"
)
