package bridge

// KeyCode is a device key event code.
type KeyCode int

const (
	KeyHome       KeyCode = 1
	KeyBack       KeyCode = 2
	KeyVolumeUp   KeyCode = 16
	KeyVolumeDown KeyCode = 17
	KeyPower      KeyCode = 18
	KeyCamera     KeyCode = 19
	KeyTab        KeyCode = 2049
	KeyEnter      KeyCode = 2054
	KeyDel        KeyCode = 2055
	KeyMenu       KeyCode = 2067
	KeyMetaLeft   KeyCode = 2076
	KeyRecent     KeyCode = 2210

	// MaxKeyCode bounds what uiInput keyEvent accepts.
	MaxKeyCode KeyCode = 3200
)
