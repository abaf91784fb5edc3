package api

import (
	"encoding/json"
	"fmt"
)

// MessageType discriminates realtime messages.
type MessageType string

const (
	TypeStatusUpdate MessageType = "StatusUpdate"
	TypeEntityUpdate MessageType = "EntityUpdate"
)

// UserStatus is carried by StatusUpdate messages.
type UserStatus string

const (
	StatusActive   UserStatus = "active"
	StatusInactive UserStatus = "inactive"
	StatusOffline  UserStatus = "offline"
)

// Entity types used in EntityUpdate messages.
const (
	EntityProject = "project"
	EntityMarking = "marking"
	EntityLease   = "lease"
)

// Message is a realtime update pushed to every connected session. The
// concrete types are StatusUpdate and EntityUpdate.
type Message interface {
	MessageType() MessageType
}

// StatusUpdate announces a user's presence change.
type StatusUpdate struct {
	User   string     `json:"user"`
	Status UserStatus `json:"status"`
}

// MessageType implements Message.
func (StatusUpdate) MessageType() MessageType { return TypeStatusUpdate }

// MarshalJSON adds the type discriminant.
func (m StatusUpdate) MarshalJSON() ([]byte, error) {
	type plain StatusUpdate
	return json.Marshal(struct {
		Type MessageType `json:"type"`
		plain
	}{TypeStatusUpdate, plain(m)})
}

// EntityUpdate announces that a record was written or deleted.
type EntityUpdate struct {
	User       string   `json:"user"`
	EntityType string   `json:"entityType"`
	PrimaryKey []string `json:"primaryKey"`
	Deleted    bool     `json:"deleted"`
}

// MessageType implements Message.
func (EntityUpdate) MessageType() MessageType { return TypeEntityUpdate }

// MarshalJSON adds the type discriminant.
func (m EntityUpdate) MarshalJSON() ([]byte, error) {
	type plain EntityUpdate
	if m.PrimaryKey == nil {
		m.PrimaryKey = []string{}
	}
	return json.Marshal(struct {
		Type MessageType `json:"type"`
		plain
	}{TypeEntityUpdate, plain(m)})
}

// DecodeMessage parses a realtime message by its type discriminant.
func DecodeMessage(data []byte) (Message, error) {
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("api: decode message: %w", err)
	}
	switch head.Type {
	case TypeStatusUpdate:
		var m StatusUpdate
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("api: decode status update: %w", err)
		}
		return m, nil
	case TypeEntityUpdate:
		var m EntityUpdate
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("api: decode entity update: %w", err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("api: unknown message type %q", head.Type)
	}
}
