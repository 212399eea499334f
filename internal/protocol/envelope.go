package protocol

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Request types accepted from clients.
const (
	TypeRegister      = "register"
	TypeLogin         = "login"
	TypeLogout        = "logout"
	TypeHeartbeat     = "heartbeat"
	TypeAlive         = "alive"
	TypeGetDirectory  = "get_directory"
	TypeGetHistory    = "get_history"
	TypeGetPublicKey  = "get_public_key"
	TypeBackup        = "backup"
	TypeMessage       = "message"
	TypeTextMessage   = "text_message"
	TypeVoice         = "voice"
	TypeVoiceMessage  = "voice_message"
	TypeFile          = "file"
	TypePicture       = "picture"
	TypeStegoMessage  = "stego_message"
	TypeGroupMessage  = "group_message"
	TypeCreateGroup   = "create_group"
	TypeJoinGroup     = "join_group"
	TypeGetGroups     = "get_groups"
	TypeAddContact    = "add_contact"
	TypeGetContacts   = "get_contacts"
	TypeUpdateContact = "update_contact"
	TypeRemoveContact = "remove_contact"
)

// Server-originated types.
const (
	TypeError              = "error"
	TypeSystemNotification = "system_notification"
	TypeHistoryResponse    = "history_response"
	TypeDirectoryResponse  = "directory_response"
	TypePublicKeyResponse  = "public_key_response"
)

// Error codes carried in the code field of error envelopes and failure
// responses.
const (
	CodeServerBusy      = "server_busy"
	CodeIPLimit         = "ip_limit"
	CodeSessionLimit    = "user_session_limit"
	CodePayloadTooLarge = "payload_too_large"
	CodePolicyViolation = "policy_violation"
	CodeSlowConsumer    = "slow_consumer"
	CodeUnauthorized    = "unauthorized"
	CodeUnknownType     = "unknown_type"
	CodeMalformed       = "malformed"
	CodeInternal        = "internal_error"
	CodeShuttingDown    = "shutting_down"

	CodeRecipientNotFound = "recipient_not_found"
	CodeBlocked           = "blocked"
	CodeGroupNotFound     = "group_not_found"
	CodeAlreadyMember     = "already_member"
	CodeConflict          = "conflict"
	CodeNotFound          = "not_found"
)

var requestTypes = map[string]bool{
	TypeRegister:      true,
	TypeLogin:         true,
	TypeLogout:        true,
	TypeHeartbeat:     true,
	TypeAlive:         true,
	TypeGetDirectory:  true,
	TypeGetHistory:    true,
	TypeGetPublicKey:  true,
	TypeBackup:        true,
	TypeMessage:       true,
	TypeTextMessage:   true,
	TypeVoice:         true,
	TypeVoiceMessage:  true,
	TypeFile:          true,
	TypePicture:       true,
	TypeStegoMessage:  true,
	TypeGroupMessage:  true,
	TypeCreateGroup:   true,
	TypeJoinGroup:     true,
	TypeGetGroups:     true,
	TypeAddContact:    true,
	TypeGetContacts:   true,
	TypeUpdateContact: true,
	TypeRemoveContact: true,
}

// IsRequest reports whether t is a message type clients are allowed to send.
func IsRequest(t string) bool { return requestTypes[t] }

// IsDirectMessage reports whether t is one of the peer-to-peer message types
// that carry a data payload for a single recipient.
func IsDirectMessage(t string) bool {
	switch t {
	case TypeMessage, TypeTextMessage, TypeVoice, TypeVoiceMessage,
		TypeFile, TypePicture, TypeStegoMessage:
		return true
	}
	return false
}

// DefaultContentType returns the content_type recorded for a message type
// when the client did not set one.
func DefaultContentType(t string) string {
	switch t {
	case TypeVoice, TypeVoiceMessage:
		return "voice"
	case TypeFile:
		return "file"
	case TypePicture:
		return "image"
	case TypeStegoMessage:
		return "stego"
	default:
		return "text"
	}
}

// ResponseType returns the reply type paired with a request type. Most
// requests answer with "<type>_response"; the lookup requests keep their
// historical names.
func ResponseType(reqType string) string {
	switch reqType {
	case TypeGetHistory:
		return TypeHistoryResponse
	case TypeGetDirectory:
		return TypeDirectoryResponse
	case TypeGetPublicKey:
		return TypePublicKeyResponse
	default:
		return reqType + "_response"
	}
}

// FlexID is an identifier clients may send as either a JSON string or a JSON
// number. It always marshals back out as a string.
type FlexID string

func (f *FlexID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexID(n.String())
	return nil
}

func (f FlexID) String() string { return string(f) }

// DataPayload is the encrypted message body carried by the message family.
// The server stores and forwards Content without decoding it.
type DataPayload struct {
	Content     string       `json:"content,omitempty"`      // base64 ciphertext or plaintext
	ContentType string       `json:"content_type,omitempty"` // text, voice, file, image, stego
	Encryption  string       `json:"encryption,omitempty"`   // scheme label chosen by the clients
	Signature   string       `json:"signature,omitempty"`    // hex detached signature
	FileInfo    *FileInfo    `json:"file_info,omitempty"`
	VoiceParams *VoiceParams `json:"voice_params,omitempty"`
}

// FileInfo describes an attached file for file and picture messages.
type FileInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size,omitempty"`
}

// VoiceParams carries codec parameters for voice messages.
type VoiceParams struct {
	Duration   float64 `json:"duration,omitempty"` // seconds
	SampleRate int     `json:"sample_rate,omitempty"`
	Format     string  `json:"format,omitempty"`
}

// HistoryRecord is one stored message row in a history_response.
type HistoryRecord struct {
	MessageID    int64  `json:"message_id"`
	SenderID     int64  `json:"sender_id"`
	SenderName   string `json:"sender_name"`
	ReceiverID   int64  `json:"receiver_id,omitempty"`
	ReceiverName string `json:"receiver_name,omitempty"`
	GroupID      string `json:"group_id,omitempty"`
	Content      string `json:"content"`
	ContentType  string `json:"content_type"`
	Encryption   string `json:"encryption,omitempty"`
	Timestamp    string `json:"timestamp"`
}

// ContactEntry is one contact-book row. Directory responses annotate it with
// the contact's live endpoint when they are online.
type ContactEntry struct {
	UserID    int64  `json:"user_id"`
	Username  string `json:"username"`
	Alias     string `json:"alias,omitempty"`
	Group     string `json:"group,omitempty"`
	Notes     string `json:"notes,omitempty"`
	Favorite  bool   `json:"is_favorite,omitempty"`
	AddedAt   string `json:"added_at,omitempty"`
	Online    bool   `json:"online,omitempty"`
	IP        string `json:"ip,omitempty"`
	Port      int    `json:"port,omitempty"`
	PublicKey string `json:"public_key,omitempty"`
}

// GroupInfo describes one group membership in a get_groups_response.
type GroupInfo struct {
	GroupID     string `json:"group_id"`
	GroupName   string `json:"group_name"`
	CreatorID   int64  `json:"creator_id"`
	CreatorName string `json:"creator_name,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
	JoinedAt    string `json:"joined_at,omitempty"`
	MemberCount int    `json:"member_count"`
}

// Envelope is the JSON message exchanged with clients. One wide struct covers
// every request and response type; unused fields are omitted on the wire.
type Envelope struct {
	Type      string         `json:"type"`
	Timestamp string         `json:"timestamp,omitempty"` // ISO-8601
	Sender    string         `json:"sender,omitempty"`
	Recipient string         `json:"recipient,omitempty"`
	GroupID   string         `json:"group_id,omitempty"`
	Data      *DataPayload   `json:"data,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	Username     string      `json:"username,omitempty"`
	Password     string      `json:"password,omitempty"`
	Email        string      `json:"email,omitempty"`
	PublicKey    string      `json:"public_key,omitempty"`
	SessionToken string      `json:"session_token,omitempty"`
	UserID       json.Number `json:"user_id,omitempty"`
	DestID       json.Number `json:"dest_id,omitempty"` // get_public_key/backup: peer user id
	IP           string      `json:"ip,omitempty"`      // heartbeat: advertised host
	Port         int         `json:"port,omitempty"`    // heartbeat: advertised port

	ChatType string `json:"chat_type,omitempty"` // get_history: "single" or "group"
	TargetID FlexID `json:"target_id,omitempty"` // get_history: peer username or group id
	Limit    int    `json:"limit,omitempty"`
	Offset   int    `json:"offset,omitempty"`
	Since    string `json:"since,omitempty"`
	Until    string `json:"until,omitempty"`

	GroupName string   `json:"group_name,omitempty"`
	Members   []string `json:"members,omitempty"` // create_group: initial member usernames

	ContactUsername string      `json:"contact_username,omitempty"`
	ContactUserID   json.Number `json:"contact_user_id,omitempty"`
	Alias           string      `json:"alias,omitempty"`
	Group           string      `json:"group,omitempty"` // contact grouping label
	Notes           string      `json:"notes,omitempty"`
	IsFavorite      *bool       `json:"is_favorite,omitempty"`

	Success       *bool                `json:"success,omitempty"`
	Message       string               `json:"message,omitempty"` // human-readable status text
	Code          string               `json:"code,omitempty"`    // machine-readable error code
	ResponseTo    string               `json:"response_to,omitempty"`
	MessageID     int64                `json:"message_id,omitempty"` // server-assigned row id
	Records       []HistoryRecord      `json:"records,omitempty"`
	Contacts      []ContactEntry       `json:"contacts,omitempty"`
	Groups        map[string]GroupInfo `json:"groups,omitempty"`
	Total         int                  `json:"total,omitempty"`
	BackupID      string               `json:"backup_id,omitempty"`
	ServerVersion string               `json:"server_version,omitempty"`
	ConnectionID  string               `json:"connection_id,omitempty"`
	FromServer    bool                 `json:"from_server,omitempty"`
}

// Now returns the current UTC time formatted for envelope timestamps.
func Now() string { return time.Now().UTC().Format(time.RFC3339) }

// Num formats an int64 for the numeric ID fields of an envelope.
func Num(v int64) json.Number { return json.Number(strconv.FormatInt(v, 10)) }

// Bool returns a pointer to b for the optional boolean envelope fields.
func Bool(b bool) *bool { return &b }

// UserIDInt returns the numeric value of the user_id field.
func (e *Envelope) UserIDInt() (int64, bool) {
	v, err := e.UserID.Int64()
	if err != nil {
		return 0, false
	}
	return v, true
}

// DestIDInt returns the numeric value of the dest_id field.
func (e *Envelope) DestIDInt() (int64, bool) {
	v, err := e.DestID.Int64()
	if err != nil {
		return 0, false
	}
	return v, true
}

// Succeeded reports whether the envelope is a success response.
func (e *Envelope) Succeeded() bool { return e.Success != nil && *e.Success }

// NewResponse builds the reply envelope for a request type.
func NewResponse(reqType string, success bool, message string) *Envelope {
	return &Envelope{
		Type:       ResponseType(reqType),
		ResponseTo: reqType,
		Success:    Bool(success),
		Message:    message,
		Timestamp:  Now(),
	}
}

// NewError builds a standalone error envelope with a machine-readable code.
func NewError(code, message string) *Envelope {
	return &Envelope{
		Type:      TypeError,
		Code:      code,
		Success:   Bool(false),
		Message:   message,
		Timestamp: Now(),
	}
}

// NewSystemNotification builds a server-originated broadcast notice.
func NewSystemNotification(message string) *Envelope {
	return &Envelope{
		Type:      TypeSystemNotification,
		Message:   message,
		Timestamp: Now(),
	}
}

// NewWelcome builds the first frame sent on every accepted connection.
func NewWelcome(serverVersion, connectionID string) *Envelope {
	return &Envelope{
		Type:          TypeSystemNotification,
		Message:       "welcome",
		ServerVersion: serverVersion,
		ConnectionID:  connectionID,
		Timestamp:     Now(),
	}
}

// NewForward wraps a client message for delivery to another session. The
// original type is preserved so receivers can dispatch on it; from_server
// marks the envelope as relayed rather than locally produced.
func NewForward(src *Envelope) *Envelope {
	return &Envelope{
		Type:       src.Type,
		FromServer: true,
		Sender:     src.Sender,
		Recipient:  src.Recipient,
		GroupID:    src.GroupID,
		Data:       src.Data,
		Timestamp:  Now(),
	}
}

// ErrUnknownType marks an envelope whose type the server does not accept.
var ErrUnknownType = errors.New("unknown message type")

// Validate checks the envelope against the wire contract: the type must be a
// known request, content must be base64, and signatures must be hex.
func (e *Envelope) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("missing message type")
	}
	if !IsRequest(e.Type) {
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	if e.Data != nil {
		if e.Data.Content != "" {
			if _, err := base64.StdEncoding.DecodeString(e.Data.Content); err != nil {
				return fmt.Errorf("data.content is not valid base64: %w", err)
			}
		}
		if e.Data.Signature != "" {
			if _, err := hex.DecodeString(e.Data.Signature); err != nil {
				return fmt.Errorf("data.signature is not valid hex: %w", err)
			}
		}
	}
	return nil
}
