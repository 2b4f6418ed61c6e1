package relay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PullLimit caps the number of changes one Pull returns. Callers drain a
// larger backlog by re-polling with the highest id seen so far.
const PullLimit = 500

// Service defines the relay operations: membership, pairing and the
// append-only change log.
type Service interface {
	EnsureGroup(ctx context.Context, groupID string) error
	EnsureDevice(ctx context.Context, deviceID, groupID string) error
	IsMember(ctx context.Context, deviceID, groupID string) (bool, error)

	// IssueToken registers the group and the creator device as a side
	// effect, then persists a fresh single-use pairing token.
	IssueToken(ctx context.Context, groupID, creatorDeviceID string) (string, error)

	// RedeemToken atomically consumes the token and registers the joining
	// device. At most one redemption of a given token ever succeeds.
	RedeemToken(ctx context.Context, token, groupID, deviceID string) (string, error)

	// Push appends a batch of changes for a member device. Rows whose
	// (groupID, deviceID, seq) already exist are dropped silently, so a
	// batch can be retransmitted after a network failure. The returned
	// count is the submitted batch size, not the number of new rows.
	Push(ctx context.Context, groupID, deviceID string, changes []ChangeInput) (int, error)

	// Pull returns up to PullLimit changes with id > sinceID, ascending,
	// authored by devices other than the caller.
	Pull(ctx context.Context, groupID, deviceID string, sinceID int64) ([]Change, error)
}

type changeKey struct {
	groupID  string
	deviceID string
	seq      int64
}

// InMemory implements Service with in-process concurrency safety. It backs
// unit and HTTP tests; production runs on the Postgres store.
type InMemory struct {
	mu      sync.RWMutex
	groups  map[string]Group
	devices map[string]Device
	tokens  map[string]*PairingToken
	changes []Change
	seen    map[changeKey]struct{}
	nextID  int64
}

var _ Service = (*InMemory)(nil)

// NewInMemory creates an empty relay store.
func NewInMemory() *InMemory {
	return &InMemory{
		groups:  make(map[string]Group),
		devices: make(map[string]Device),
		tokens:  make(map[string]*PairingToken),
		seen:    make(map[changeKey]struct{}),
	}
}

func (s *InMemory) EnsureGroup(ctx context.Context, groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureGroupLocked(groupID)
	return nil
}

func (s *InMemory) EnsureDevice(ctx context.Context, deviceID, groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureGroupLocked(groupID)
	return s.ensureDeviceLocked(deviceID, groupID)
}

func (s *InMemory) IsMember(ctx context.Context, deviceID, groupID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[deviceID]
	return ok && d.GroupID == groupID, nil
}

func (s *InMemory) IssueToken(ctx context.Context, groupID, creatorDeviceID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensureGroupLocked(groupID)
	if err := s.ensureDeviceLocked(creatorDeviceID, groupID); err != nil {
		return "", err
	}

	token := uuid.NewString()
	s.tokens[token] = &PairingToken{
		Token:           token,
		GroupID:         groupID,
		CreatorDeviceID: creatorDeviceID,
		CreatedAt:       time.Now().UTC(),
	}
	return token, nil
}

func (s *InMemory) RedeemToken(ctx context.Context, token, groupID, deviceID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[token]
	if !ok || t.Used || t.GroupID != groupID {
		return "", ErrInvalidToken
	}
	// Register first: if the device is bound elsewhere the token must
	// survive for a retry with a correct device, mirroring the rollback
	// behaviour of the transactional store.
	if err := s.ensureDeviceLocked(deviceID, groupID); err != nil {
		return "", err
	}
	t.Used = true
	return t.GroupID, nil
}

func (s *InMemory) Push(ctx context.Context, groupID, deviceID string, changes []ChangeInput) (int, error) {
	for _, c := range changes {
		if err := c.Validate(); err != nil {
			return 0, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if d, ok := s.devices[deviceID]; !ok || d.GroupID != groupID {
		return 0, ErrForbidden
	}

	now := time.Now().UnixMilli()
	for _, c := range changes {
		key := changeKey{groupID: groupID, deviceID: deviceID, seq: c.Seq}
		if _, dup := s.seen[key]; dup {
			continue
		}
		createdAt := c.CreatedAtMs
		if createdAt == 0 {
			createdAt = now
		}
		s.nextID++
		s.changes = append(s.changes, Change{
			ID:                s.nextID,
			GroupID:           groupID,
			DeviceID:          deviceID,
			Seq:               c.Seq,
			CreatedAtMs:       createdAt,
			EntityType:        c.EntityType,
			EntityID:          c.EntityID,
			OpType:            c.OpType,
			PayloadCiphertext: c.PayloadCiphertext,
			PayloadNonce:      c.PayloadNonce,
			PayloadMac:        c.PayloadMac,
		})
		s.seen[key] = struct{}{}
	}
	// Submitted count, not inserted count: duplicates collapse silently.
	return len(changes), nil
}

func (s *InMemory) Pull(ctx context.Context, groupID, deviceID string, sinceID int64) ([]Change, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if d, ok := s.devices[deviceID]; !ok || d.GroupID != groupID {
		return nil, ErrForbidden
	}

	var res []Change
	for _, c := range s.changes {
		if c.GroupID != groupID || c.DeviceID == deviceID || c.ID <= sinceID {
			continue
		}
		res = append(res, c)
		if len(res) >= PullLimit {
			break
		}
	}
	return res, nil
}

func (s *InMemory) ensureGroupLocked(groupID string) {
	if _, ok := s.groups[groupID]; !ok {
		s.groups[groupID] = Group{ID: groupID, CreatedAt: time.Now().UTC()}
	}
}

func (s *InMemory) ensureDeviceLocked(deviceID, groupID string) error {
	if d, ok := s.devices[deviceID]; ok {
		if d.GroupID != groupID {
			return ErrDeviceGroupMismatch
		}
		return nil
	}
	s.devices[deviceID] = Device{ID: deviceID, GroupID: groupID, RegisteredAt: time.Now().UTC()}
	return nil
}
