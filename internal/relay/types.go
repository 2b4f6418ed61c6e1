package relay

import (
	"errors"
	"strings"
	"time"
)

// Group is a logical collection of devices sharing one change log. Groups are
// created implicitly the first time any device references their id; there is
// no explicit creation step and no owner approval.
type Group struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

// Device is a single client endpoint. A device belongs to exactly one group
// for its lifetime; rebinding to another group is rejected.
type Device struct {
	ID           string    `json:"id"`
	GroupID      string    `json:"groupId"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// PairingToken is a single-use capability permitting one device to join a
// group. The only state transition is used=false -> used=true, exactly once.
type PairingToken struct {
	Token           string    `json:"token"`
	GroupID         string    `json:"groupId"`
	CreatorDeviceID string    `json:"creatorDeviceId"`
	CreatedAt       time.Time `json:"createdAt"`
	Used            bool      `json:"used"`
}

// Change is one immutable record of an entity mutation, encrypted on the
// client. The server never inspects payload bytes. ID is assigned at insert
// time and is the only globally ordered field; Seq is device-local and
// unique per (GroupID, DeviceID) but not ordered across devices.
type Change struct {
	ID                int64  `json:"id"`
	GroupID           string `json:"-"`
	DeviceID          string `json:"deviceId"`
	Seq               int64  `json:"seq"`
	CreatedAtMs       int64  `json:"createdAtMs"`
	EntityType        string `json:"entityType"`
	EntityID          string `json:"entityId"`
	OpType            string `json:"opType"`
	PayloadCiphertext string `json:"payloadCiphertext"`
	PayloadNonce      string `json:"payloadNonce"`
	PayloadMac        string `json:"payloadMac"`
}

// ChangeInput is a client-submitted change before id assignment. A zero
// CreatedAtMs defaults to server receipt time.
type ChangeInput struct {
	Seq               int64  `json:"seq"`
	EntityType        string `json:"entityType"`
	EntityID          string `json:"entityId"`
	OpType            string `json:"opType"`
	PayloadCiphertext string `json:"payloadCiphertext,omitempty"`
	PayloadNonce      string `json:"payloadNonce,omitempty"`
	PayloadMac        string `json:"payloadMac,omitempty"`
	CreatedAtMs       int64  `json:"createdAtMs,omitempty"`
}

// Validate checks the fields every change must carry. Payload fields stay
// optional: an opType like "delete" legitimately ships no ciphertext.
func (c ChangeInput) Validate() error {
	if strings.TrimSpace(c.EntityType) == "" ||
		strings.TrimSpace(c.EntityID) == "" ||
		strings.TrimSpace(c.OpType) == "" {
		return ErrInvalidChange
	}
	if c.Seq < 0 {
		return ErrInvalidChange
	}
	return nil
}

var (
	// ErrInvalidToken covers unknown, already-used and group-mismatched
	// tokens alike so callers cannot probe which condition failed.
	ErrInvalidToken = errors.New("invalid or already used pairing token")

	ErrForbidden           = errors.New("device not registered in group")
	ErrDeviceGroupMismatch = errors.New("device already bound to a different group")
	ErrInvalidChange       = errors.New("change requires entityType, entityId and opType")
)
