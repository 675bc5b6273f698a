// Package store provides session persistence with pluggable backends.
// Sessions are authenticated principals with a TTL; the store owns their
// lifecycle and enforces expiry on read.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/types"
)

// Session is a stored session record.
// Invariant: CreatedAt <= LastAccessedAt <= ExpiresAt.
type Session struct {
	ID             string                 `json:"id"`
	UserID         string                 `json:"userId"`
	Username       string                 `json:"username"`
	Roles          []string               `json:"roles"`
	CreatedAt      time.Time              `json:"createdAt"`
	ExpiresAt      time.Time              `json:"expiresAt"`
	LastAccessedAt time.Time              `json:"lastAccessedAt"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// Expired reports whether the session is past its expiry at the given time.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Clone returns a deep copy of the session.
// Stores hand out clones so callers can never mutate backend state.
func (s *Session) Clone() *Session {
	cp := *s
	cp.Roles = append([]string(nil), s.Roles...)
	if s.Metadata != nil {
		cp.Metadata = make(map[string]interface{}, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Marshal serializes the session for backend storage.
func (s *Session) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalSession deserializes a stored session record.
func UnmarshalSession(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateData carries the fields required to create a session.
type CreateData struct {
	UserID    string
	Username  string
	Roles     []string
	ExpiresAt time.Time
	Metadata  map[string]interface{}
}

// Validate checks the create payload.
func (d *CreateData) Validate(now time.Time) error {
	if d.UserID == "" {
		return types.WrapError(types.KindInvalid, "session_user_required", types.ErrSessionInvalid)
	}
	if !d.ExpiresAt.After(now) {
		return types.WrapError(types.KindInvalid, "session_expiry_past", types.ErrSessionInvalid)
	}
	return nil
}

// Patch carries a partial update to a session record.
// Nil fields are left untouched. ExpiresAt is only moved by the explicit
// refresh path; Touch never extends it.
type Patch struct {
	Username  *string
	Roles     []string
	ExpiresAt *time.Time
	Metadata  map[string]interface{}
}

// Store is the pluggable session backend.
// Get returns (nil, nil) for absent or expired sessions; expired records are
// deleted lazily on read. Every operation may fail with a KindBackend error.
type Store interface {
	Create(ctx context.Context, data CreateData) (string, error)
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, id string, patch Patch) (*Session, error)
	Delete(ctx context.Context, id string) (bool, error)
	Touch(ctx context.Context, id string) (bool, error)
	ListByUser(ctx context.Context, userID string) ([]*Session, error)
	Exists(ctx context.Context, id string) (bool, error)
	Count(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
	Type() string
	Close() error
}

// applyPatch merges a patch into a session copy and returns it.
func applyPatch(s *Session, patch Patch, now time.Time) *Session {
	out := s.Clone()
	if patch.Username != nil {
		out.Username = *patch.Username
	}
	if patch.Roles != nil {
		out.Roles = append([]string(nil), patch.Roles...)
	}
	if patch.ExpiresAt != nil {
		out.ExpiresAt = *patch.ExpiresAt
	}
	if patch.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(patch.Metadata))
		for k, v := range patch.Metadata {
			out.Metadata[k] = v
		}
	}
	out.LastAccessedAt = now
	if out.LastAccessedAt.After(out.ExpiresAt) {
		out.LastAccessedAt = out.ExpiresAt
	}
	return out
}
