package models

import "time"

// Terminal is the server-side registry entry of a POS station.
type Terminal struct {
	TerminalId      string     `json:"terminalId"`
	Name            string     `json:"name,omitempty"`
	DeviceTokenHash string     `json:"deviceTokenHash"`
	IsPrimaryNode   bool       `json:"isPrimaryNode"`
	LastSeenAt      *time.Time `json:"lastSeenAt,omitempty"`
	LastIp          string     `json:"lastIp,omitempty"`
	EnrolledAt      time.Time  `json:"enrolledAt"`
	DocumentMeta
}

func (t Terminal) GetId() string { return t.TerminalId }

// TerminalInfo is the public view of Terminal.
type TerminalInfo struct {
	TerminalId    string     `json:"terminalId"`
	Name          string     `json:"name,omitempty"`
	IsPrimaryNode bool       `json:"isPrimaryNode"`
	LastSeenAt    *time.Time `json:"lastSeenAt,omitempty"`
	LastIp        string     `json:"lastIp,omitempty"`
	Online        bool       `json:"online"`
}

func (t Terminal) Info(now time.Time, onlineWindow time.Duration) TerminalInfo {
	online := t.LastSeenAt != nil && now.Sub(*t.LastSeenAt) <= onlineWindow
	return TerminalInfo{
		TerminalId:    t.TerminalId,
		Name:          t.Name,
		IsPrimaryNode: t.IsPrimaryNode,
		LastSeenAt:    t.LastSeenAt,
		LastIp:        t.LastIp,
		Online:        online,
	}
}
