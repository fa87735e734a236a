package ws

// Inbound event types. The *_translation_room names are accepted aliases.
const (
	msgJoinRoom            = "join_room"
	msgJoinTranslationRoom = "join_translation_room"
	msgLeaveRoom           = "leave_room"
	msgLeaveTranslation    = "leave_translation_room"
	msgAudio               = "audio_for_translation"
	msgPing                = "ping"
)

// Outbound acknowledgements.
const (
	evConnected  = "connected"
	evRoomJoined = "room_joined"
	evRoomLeft   = "room_left"
	evPong       = "pong"
	evError      = "error"

	// evJoinedTranslationRoom acknowledges the join_translation_room alias.
	evJoinedTranslationRoom = "joined_translation_room"
)

// Error codes sent in evError.
const (
	codeBadRequest    = "bad_request"
	codeUnknownType   = "unknown_type"
	codeMissingRoom   = "missing_room"
	codeBadAudio      = "bad_audio"
	codeUnexpectedBin = "unexpected_binary"
	codeBusy          = "busy"
)

type inbound struct {
	Type           string `json:"type"`
	RoomID         string `json:"roomId"`
	UserLanguage   string `json:"userLanguage"`
	TargetLanguage string `json:"targetLanguage"`
	SourceLanguage string `json:"sourceLanguage"`
	AudioData      string `json:"audioData"`
	Binary         bool   `json:"binary"`
}

type connectedEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
}

type roomEvent struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
	Status string `json:"status"`
}

type pongEvent struct {
	Type string `json:"type"`
}

type errorEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
