package network

// Message types. The first byte of every websocket message.
const (
	// Client -> Host
	MsgTypeJoin  uint8 = 0x01
	MsgTypeLeave uint8 = 0x02
	MsgTypePing  uint8 = 0x03

	// Both directions
	MsgTypeReliable    uint8 = 0x04
	MsgTypeReliableLZ4 uint8 = 0x05
	MsgTypeUnreliable  uint8 = 0x06

	// Host -> Client
	MsgTypeSessionInfo uint8 = 0x10
	MsgTypePlayerJoin  uint8 = 0x11
	MsgTypePlayerLeave uint8 = 0x12
	MsgTypePong        uint8 = 0x13
	MsgTypeError       uint8 = 0xFF
)

// JoinMessage from client
type JoinMessage struct {
	Name string
}

// SessionInfoMessage to client
type SessionInfoMessage struct {
	SessionID   string
	PlayerCount uint8
	MaxPlayers  uint8
	YourIndex   uint8
}

// PlayerJoinMessage to client
type PlayerJoinMessage struct {
	Index uint8
	Name  string
}

// PlayerLeaveMessage to client
type PlayerLeaveMessage struct {
	Index uint8
}

// ErrorMessage to client
type ErrorMessage struct {
	Code    uint8
	Message string
}

// Error codes
const (
	ErrorCodeInvalidMessage uint8 = 1
	ErrorCodeSessionFull    uint8 = 2
	ErrorCodeKicked         uint8 = 3
	ErrorCodeServerError    uint8 = 4
)
