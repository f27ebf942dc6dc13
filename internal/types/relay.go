package types

// RelayStatus is one entry of the engine's relay roster
type RelayStatus struct {
	URL       string `json:"url"`
	Connected bool   `json:"connected"`
	Healthy   bool   `json:"healthy"`
}
