// internal/config/json.go
package config

import (
	"encoding/json"
	"os"
)

// daemonJSON mirrors the daemon configuration file. Pointer fields
// distinguish "absent" from zero values so defaults apply only when a field
// is missing.
type daemonJSON struct {
	ListeningPort     *int    `json:"listeningPort"`
	ExecPath          *string `json:"execPath"`
	ListeningInterval *int    `json:"listeningInterval"` // ms
	MessagingInterval *int    `json:"messagingInterval"` // ms, 0 disables
	HttpingInterval   *int    `json:"httpingInterval"`   // ms, 0 disables
	TextingInterval   *int    `json:"textingInterval"`   // ms, 0 disables
	Enabled           *bool   `json:"enabled"`
}

func loadDaemonJSON(path string) (*daemonJSON, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg daemonJSON
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
