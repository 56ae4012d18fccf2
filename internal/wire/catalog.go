package wire

import "math"

// ID is the one byte identifier at the start of every message. Client and
// server identifiers are scoped separately, so the same value means different
// things depending on the direction it travels.
type ID int8

// Handshake status byte written by the server before any message.
const (
	Accepted byte = 0
	Rejected byte = 1
)

// Leave is the reserved control identifier for a peer that is going away. It
// carries a single string with the reason.
const Leave ID = -1

// Identifiers of messages sent from a client to the server.
const (
	KeyPress ID = iota + 1
	KeyRelease
	SyncTransform
	CreateSnowball
	TemperatureDeath
	HitDamageDeath
)

// Identifiers of messages sent from the server to a client.
const (
	AddPlayer ID = iota + 1
	RemovePlayer
	PlayerKeyPress
	PlayerKeyRelease
	PlayerSyncTransform
	PlayerCreateSnowball
	PlayerTemperatureDeath
	PlayerHitDamageDeath
	PlayerWins
	ReloadGameState
)

// NoAttacker is sent as the other player of a temperature death when no
// snowball was involved.
const NoAttacker int32 = math.MinInt32

var serverBoundNames = map[ID]string{
	Leave:            "Leave",
	KeyPress:         "KeyPress",
	KeyRelease:       "KeyRelease",
	SyncTransform:    "SyncTransform",
	CreateSnowball:   "CreateSnowball",
	TemperatureDeath: "TemperatureDeath",
	HitDamageDeath:   "HitDamageDeath",
}

var clientBoundNames = map[ID]string{
	Leave:                  "Leave",
	AddPlayer:              "AddPlayer",
	RemovePlayer:           "RemovePlayer",
	PlayerKeyPress:         "PlayerKeyPress",
	PlayerKeyRelease:       "PlayerKeyRelease",
	PlayerSyncTransform:    "PlayerSyncTransform",
	PlayerCreateSnowball:   "PlayerCreateSnowball",
	PlayerTemperatureDeath: "PlayerTemperatureDeath",
	PlayerHitDamageDeath:   "PlayerHitDamageDeath",
	PlayerWins:             "PlayerWins",
	ReloadGameState:        "ReloadGameState",
}

// ServerBoundName returns a readable name for a client to server identifier.
func ServerBoundName(id ID) string {
	if name, ok := serverBoundNames[id]; ok {
		return name
	}
	return "Unknown"
}

// ClientBoundName returns a readable name for a server to client identifier.
func ClientBoundName(id ID) string {
	if name, ok := clientBoundNames[id]; ok {
		return name
	}
	return "Unknown"
}
