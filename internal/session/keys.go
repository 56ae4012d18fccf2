package session

// Movement keys a game client relays through key press and key release
// messages. Any other key name is rejected.
var movementKeys = map[string]bool{
	"W": true, // forward
	"A": true, // rotate left
	"S": true, // backward
	"D": true, // rotate right
}

// IsValidKey reports whether name is a key a game client can report.
func IsValidKey(name string) bool {
	return movementKeys[name]
}
