package broadcast

// Envelope is the JSON object sent for exchange lifecycle events. Data
// frames use the positional [pairKey, trades] form instead.
type Envelope struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
}

// Envelope types pushed to clients.
const (
	TypeWelcome              = "welcome"
	TypeExchangeConnected    = "exchange_connected"
	TypeExchangeDisconnected = "exchange_disconnected"
	TypeExchangeError        = "exchange_error"
)
