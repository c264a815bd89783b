package protocol

// RPC method name constants (§6), namespace.verb-noun.
const (
	MethodWorkspaceList          = "workspace.list"
	MethodWorkspaceGet           = "workspace.get"
	MethodWorkspaceGetOrCreate   = "workspace.get-or-create"
	MethodWorkspaceListSessions  = "workspace.list-sessions"
	MethodWorkspaceCreateSession = "workspace.create-session"

	MethodSessionInfo           = "session.info"
	MethodSessionPrompt         = "session.prompt"
	MethodSessionInterrupt      = "session.interrupt"
	MethodSessionPermissionMode = "session.permission-mode"
	MethodSessionToolResult     = "session.tool-result"
	MethodSessionGet            = "session.get"
	MethodSessionHistory        = "session.history"
	MethodSessionSwitch         = "session.switch"
	MethodSessionReset          = "session.reset"

	MethodExtensionList = "extension.list"
	MethodMethodList    = "method.list"

	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"

	// MethodMemoryProcess queues ready conversations for the librarian (§4.5).
	MethodMemoryProcess = "memory.process"

	// MethodSourceResponse delivers a source-routed event to an extension
	// and awaits acknowledgement (§4.2).
	MethodSourceResponse = "__sourceResponse"
)

// Event name constants (§6), namespace.noun.verb.
const (
	EventSSE = "sse"

	EventProcessStarted = "process_started"
	EventProcessEnded   = "process_ended"
	EventProcessDied    = "process_died"

	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageStop       = "message_stop"
	EventTurnStop          = "turn_stop"

	EventRequestToolResults = "request_tool_results"

	EventVoiceAudioChunk = "voice.audio_chunk"
	EventVoiceStreamEnd  = "voice.stream_end"
	EventVoiceError      = "voice.error"
)

// StopReason values carried on turn_stop events (§4.3, §8).
const (
	StopReasonAbort   = "abort"
	StopReasonEndTurn = "end_turn"
)
