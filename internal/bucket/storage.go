package bucket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/caseflow/waflow/internal/message"
)

// Bucket layout, rooted at <operator>/<user>/:
//
//	user_data.json                   user record
//	case_index.json                  case list + active case pointer
//	dedup/<idempotency-key>          processed-message markers
//	locks/<token>.json               conversation lock contenders
//	cases/<case-id>/case_manifest.json
//	cases/<case-id>/messages/<message-id>.json
//	cases/<case-id>/media/<media-name>

// UserPrefix returns the root prefix for one conversation.
func UserPrefix(operatorID, userID string) string {
	return operatorID + "/" + userID + "/"
}

// UserDataKey returns the user record key.
func UserDataKey(operatorID, userID string) string {
	return UserPrefix(operatorID, userID) + "user_data.json"
}

// CaseIndexKey returns the case index key.
func CaseIndexKey(operatorID, userID string) string {
	return UserPrefix(operatorID, userID) + "case_index.json"
}

// DedupKey returns the processed-message marker key for an idempotency key.
func DedupKey(operatorID, userID, idempotencyKey string) string {
	// Provider message IDs are base64ish and may contain slashes.
	return UserPrefix(operatorID, userID) + "dedup/" + strings.ReplaceAll(idempotencyKey, "/", "_")
}

// LockPrefix returns the lock contender prefix.
func LockPrefix(operatorID, userID string) string {
	return UserPrefix(operatorID, userID) + "locks/"
}

// CaseDir returns the prefix of one case.
func CaseDir(operatorID, userID, caseID string) string {
	return UserPrefix(operatorID, userID) + "cases/" + caseID + "/"
}

// ManifestKey returns the case manifest key.
func ManifestKey(operatorID, userID, caseID string) string {
	return CaseDir(operatorID, userID, caseID) + "case_manifest.json"
}

// MessageKey returns the key of one message document.
func MessageKey(operatorID, userID, caseID, messageID string) string {
	return CaseDir(operatorID, userID, caseID) + "messages/" + messageID + ".json"
}

// MediaKey returns the key of one stored media object.
func MediaKey(operatorID, userID, caseID, name string) string {
	return CaseDir(operatorID, userID, caseID) + "media/" + name
}

// UserData is the per-user record. Names accumulates every profile name the
// user has been seen with; locale fields are seeded from the phone prefix.
type UserData struct {
	PhoneNumber  string    `json:"phone_number"`
	Names        []string  `json:"names,omitempty"`
	Country      string    `json:"country,omitempty"`
	CountryCode  string    `json:"country_code,omitempty"`
	Language     string    `json:"language,omitempty"`
	LanguageCode string    `json:"language_code,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AddName records a profile name if it is new. Reports whether the record
// changed.
func (u *UserData) AddName(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	for _, existing := range u.Names {
		if existing == name {
			return false
		}
	}
	u.Names = append(u.Names, name)
	return true
}

// Case statuses. A case is open until the assistant resolves it or it goes
// stale and is timed out.
const (
	CaseOpen     = "open"
	CaseResolved = "resolved"
	CaseTimeout  = "timeout"
)

// CaseRef is one entry in the case index.
type CaseRef struct {
	ID        string     `json:"id"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// CaseIndex lists every case of a conversation and points at the active
// one.
type CaseIndex struct {
	ActiveCaseID string    `json:"active_case_id,omitempty"`
	Cases        []CaseRef `json:"cases"`
}

// NextCaseID allocates the next sequential case ID.
func (ci *CaseIndex) NextCaseID() string {
	next := 1
	for _, ref := range ci.Cases {
		if n, err := strconv.Atoi(ref.ID); err == nil && n >= next {
			next = n + 1
		}
	}
	return fmt.Sprintf("%06d", next)
}

// CaseManifest is the per-case state document.
type CaseManifest struct {
	ID        string     `json:"id"`
	Status    string     `json:"status"`
	Summary   string     `json:"summary,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// Storage provides typed access to the bucket layout.
type Storage struct {
	bucket *Bucket
	logger *slog.Logger
}

// NewStorage wraps a Bucket with document-level operations.
func NewStorage(b *Bucket, logger *slog.Logger) *Storage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Storage{
		bucket: b,
		logger: logger.With("component", "storage"),
	}
}

func (s *Storage) getJSON(ctx context.Context, key string, out any) (bool, error) {
	data, err := s.bucket.Get(ctx, key)
	if errors.Is(err, ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to decode %q: %w", key, err)
	}
	return true, nil
}

func (s *Storage) putJSON(ctx context.Context, key string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode %q: %w", key, err)
	}
	return s.bucket.Put(ctx, key, data, "application/json")
}

// UserData reads the user record. Returns nil, nil when the user is new.
func (s *Storage) UserData(ctx context.Context, operatorID, userID string) (*UserData, error) {
	var u UserData
	found, err := s.getJSON(ctx, UserDataKey(operatorID, userID), &u)
	if err != nil || !found {
		return nil, err
	}
	return &u, nil
}

// SaveUserData writes the user record.
func (s *Storage) SaveUserData(ctx context.Context, operatorID, userID string, u *UserData) error {
	u.UpdatedAt = time.Now().UTC()
	return s.putJSON(ctx, UserDataKey(operatorID, userID), u)
}

// Index reads the case index. A missing index is returned empty.
func (s *Storage) Index(ctx context.Context, operatorID, userID string) (*CaseIndex, error) {
	var ci CaseIndex
	if _, err := s.getJSON(ctx, CaseIndexKey(operatorID, userID), &ci); err != nil {
		return nil, err
	}
	return &ci, nil
}

// SaveIndex writes the case index.
func (s *Storage) SaveIndex(ctx context.Context, operatorID, userID string, ci *CaseIndex) error {
	return s.putJSON(ctx, CaseIndexKey(operatorID, userID), ci)
}

// Manifest reads one case manifest.
func (s *Storage) Manifest(ctx context.Context, operatorID, userID, caseID string) (*CaseManifest, error) {
	var m CaseManifest
	found, err := s.getJSON(ctx, ManifestKey(operatorID, userID, caseID), &m)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: manifest for case %s", ErrNotExist, caseID)
	}
	return &m, nil
}

// SaveManifest writes one case manifest.
func (s *Storage) SaveManifest(ctx context.Context, operatorID, userID string, m *CaseManifest) error {
	m.UpdatedAt = time.Now().UTC()
	return s.putJSON(ctx, ManifestKey(operatorID, userID, m.ID), m)
}

// SaveMessage persists one message document in a case.
func (s *Storage) SaveMessage(ctx context.Context, operatorID, userID, caseID string, m *message.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	return s.putJSON(ctx, MessageKey(operatorID, userID, caseID, m.ID), m)
}

// Messages loads every message of a case in chronological order.
func (s *Storage) Messages(ctx context.Context, operatorID, userID, caseID string) ([]*message.Message, error) {
	prefix := CaseDir(operatorID, userID, caseID) + "messages/"
	objects, err := s.bucket.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	msgs := make([]*message.Message, 0, len(objects))
	for _, obj := range objects {
		data, err := s.bucket.Get(ctx, obj.Key)
		if err != nil {
			return nil, err
		}
		m, err := message.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("message %q: %w", obj.Key, err)
		}
		msgs = append(msgs, m)
	}

	message.SortChronological(msgs)
	return msgs, nil
}

// SaveMedia stores media bytes under a case.
func (s *Storage) SaveMedia(ctx context.Context, operatorID, userID, caseID, name string, content *message.MediaContent) error {
	return s.bucket.Put(ctx, MediaKey(operatorID, userID, caseID, name), content.Content, content.Mime)
}

// Media reads stored media bytes.
func (s *Storage) Media(ctx context.Context, operatorID, userID, caseID, name string) ([]byte, error) {
	return s.bucket.Get(ctx, MediaKey(operatorID, userID, caseID, name))
}

// HasProcessed reports whether an inbound message was already ingested.
func (s *Storage) HasProcessed(ctx context.Context, operatorID, userID, idempotencyKey string) (bool, error) {
	return s.bucket.Exists(ctx, DedupKey(operatorID, userID, idempotencyKey))
}

// MarkProcessed records an inbound message as ingested. The marker body is
// the stored message ID, useful when tracing a delivery by hand.
func (s *Storage) MarkProcessed(ctx context.Context, operatorID, userID, idempotencyKey, messageID string) error {
	return s.bucket.Put(ctx, DedupKey(operatorID, userID, idempotencyKey), []byte(messageID), "text/plain")
}
