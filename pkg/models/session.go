package models

import "time"

// EntryStatus distinguishes a finished session entry from an in-flight creation
type EntryStatus string

const (
	StatusPending EntryStatus = "pending"
	StatusReady   EntryStatus = "ready"
)

// BrowserHandle is what the provisioning vendor hands back for one browser
type BrowserHandle struct {
	VendorSessionID string    `json:"vendorSessionId"`
	ControlURL      string    `json:"controlUrl"`
	LiveViewURL     string    `json:"liveViewUrl"`
	Region          string    `json:"region,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Viewport is the browser window size in CSS pixels
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Isolation flags understood by the provisioning vendor
const (
	IsolationBlockAds  = "block-ads"
	IsolationStealth   = "stealth"
	IsolationIncognito = "incognito"
)

// CreateOptions is the payload for provisioning a browser
type CreateOptions struct {
	Viewport       Viewport `json:"viewport,omitempty"`
	TimeoutSeconds int      `json:"timeoutSeconds,omitempty"`
	Region         string   `json:"region,omitempty"`
	IsolationFlags []string `json:"isolationFlags,omitempty"`
}

// SessionEntry is the shared ownership and lifecycle record for one session
type SessionEntry struct {
	Status                  EntryStatus   `json:"status"`
	SessionID               string        `json:"sessionId"`
	OwnerUserID             string        `json:"ownerUserId"`
	Browser                 BrowserHandle `json:"browser"`
	CreatedAt               time.Time     `json:"createdAt"`
	LastAccessedAt          time.Time     `json:"lastAccessedAt"`
	LastAgentActivityAt     time.Time     `json:"lastAgentActivityAt"`
	LiveViewConnections     int           `json:"liveViewConnections"`
	LastLiveViewHeartbeatAt *time.Time    `json:"lastLiveViewHeartbeatAt"`
}

// PendingMarker occupies the session key while a creation is in flight
type PendingMarker struct {
	Status      EntryStatus `json:"status"`
	OwnerUserID string      `json:"ownerUserId"`
	Nonce       string      `json:"nonce"`
	StartedAt   time.Time   `json:"startedAt"`
}

// SessionResponse is what the API returns for a session
type SessionResponse struct {
	SessionID           string    `json:"sessionId"`
	VendorSessionID     string    `json:"vendorSessionId"`
	LiveViewURL         string    `json:"liveViewUrl"`
	Region              string    `json:"region,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
	LastAgentActivityAt time.Time `json:"lastAgentActivityAt"`
	LiveViewConnected   bool      `json:"liveViewConnected"`
}

// NewSessionResponse builds the public view of an entry; the control URL stays server side
func NewSessionResponse(e *SessionEntry) SessionResponse {
	return SessionResponse{
		SessionID:           e.SessionID,
		VendorSessionID:     e.Browser.VendorSessionID,
		LiveViewURL:         e.Browser.LiveViewURL,
		Region:              e.Browser.Region,
		CreatedAt:           e.CreatedAt,
		LastAgentActivityAt: e.LastAgentActivityAt,
		LiveViewConnected:   e.LiveViewConnections > 0,
	}
}
