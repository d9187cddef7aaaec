package protocol

// Inbound message types sent by browser clients.
const (
	TypeJoin          = "join"
	TypeUpdateProfile = "update_profile"
	TypeActivityPing  = "activity_ping"
	TypeTyping        = "typing"
	TypeSendMessage   = "send_message"
	TypeAddReaction   = "add_reaction"
	TypeStartVoteKick = "start_vote_kick"
	TypeCastVote      = "cast_vote"
	TypeAdminKick     = "admin_kick"
	TypeAdminBan      = "admin_ban"
)

// Outbound message types pushed by the server.
const (
	TypeWelcome         = "welcome"
	TypeRosterUpdate    = "roster_update"
	TypeMessageReceived = "message_received"
	TypeReactionUpdate  = "reaction_update"
	TypeTypingUpdate    = "typing_update"
	TypeVoteStarted     = "vote_started"
	TypeVoteProgress    = "vote_progress"
	TypeVoteResult      = "vote_result"
	TypeForceDisconnect = "force_disconnect"
	TypeTimerUpdate     = "timer_update"
	TypeSystemWipe      = "system_wipe"
	TypeRateWarning     = "rate_warning"
	TypeLinkPreview     = "link_preview"
)

// Ballot values for cast_vote.
const (
	BallotYes = "yes"
	BallotNo  = "no"
)

// Vote and moderation results.
const (
	ResultKicked = "kicked"
	ResultClosed = "closed"
	ResultBanned = "banned"
)

// Reasons carried by force_disconnect.
const (
	ReasonBanned       = "banned"
	ReasonKicked       = "kicked"
	ReasonAdminKicked  = "admin_kicked"
	ReasonAdminBanned  = "admin_banned"
	ReasonServerClosed = "server_closed"
)

// Presence values.
const (
	PresenceActive = "active"
	PresenceIdle   = "idle"
)

// Message is the JSON envelope exchanged over websocket in both directions.
// Only the fields relevant to Type are populated.
type Message struct {
	Type   string `json:"type"`
	SelfID string `json:"self_id,omitempty"`

	Profile *ProfilePatch `json:"profile,omitempty"` // join/update_profile
	Draft   *Draft        `json:"draft,omitempty"`   // send_message

	IsTyping    *bool  `json:"is_typing,omitempty"`    // typing/typing_update
	DisplayName string `json:"display_name,omitempty"` // typing_update
	SenderID    string `json:"sender_id,omitempty"`    // typing_update

	MessageID string         `json:"message_id,omitempty"` // add_reaction/reaction_update/link_preview
	Symbol    string         `json:"symbol,omitempty"`     // add_reaction
	Reactions map[string]int `json:"reactions,omitempty"`  // reaction_update

	TargetID    string `json:"target_id,omitempty"`    // votes and admin actions
	TargetName  string `json:"target_name,omitempty"`  // vote_started/vote_progress/vote_result
	InitiatorID string `json:"initiator_id,omitempty"` // vote_started
	Ballot      string `json:"ballot,omitempty"`       // cast_vote
	Yes         int    `json:"yes,omitempty"`          // vote_progress
	No          int    `json:"no,omitempty"`           // vote_progress
	Required    int    `json:"required,omitempty"`     // vote_started/vote_progress
	Result      string `json:"result,omitempty"`       // vote_result

	Reason string `json:"reason,omitempty"` // force_disconnect/rate_warning
	Until  int64  `json:"until,omitempty"`  // force_disconnect(banned)/rate_warning(muted): Unix ms

	SecondsRemaining *int `json:"seconds_remaining,omitempty"` // timer_update/welcome

	Participants []Participant `json:"participants,omitempty"` // roster_update/welcome
	Chat         *ChatMessage  `json:"chat,omitempty"`         // message_received
	History      []ChatMessage `json:"history,omitempty"`      // welcome
	LinkPreview  *LinkPreview  `json:"link_preview,omitempty"` // link_preview
}

// ProfilePatch carries optional profile fields. A nil field means "leave unchanged".
type ProfilePatch struct {
	DisplayName  *string `json:"display_name,omitempty"`
	ColorTag     *string `json:"color_tag,omitempty"`
	RoleTag      *string `json:"role_tag,omitempty"`
	RoleTagColor *string `json:"role_tag_color,omitempty"`
	AvatarRef    *string `json:"avatar_ref,omitempty"`
}

// Draft is the client-supplied part of a chat message.
type Draft struct {
	Text      string `json:"text,omitempty"`
	MediaRef  string `json:"media_ref,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	ReplyToID string `json:"reply_to_id,omitempty"`
}

// Participant is the broadcast view of one joined connection.
// The source address never leaves the server.
type Participant struct {
	ID           string `json:"id"`
	DisplayName  string `json:"display_name"`
	ColorTag     string `json:"color_tag"`
	RoleTag      string `json:"role_tag,omitempty"`
	RoleTagColor string `json:"role_tag_color,omitempty"`
	AvatarRef    string `json:"avatar_ref,omitempty"`
	Presence     string `json:"presence"`
}

// Author is the snapshot of a participant's display fields at send time.
type Author struct {
	ID           string `json:"id"`
	DisplayName  string `json:"display_name"`
	ColorTag     string `json:"color_tag"`
	RoleTag      string `json:"role_tag,omitempty"`
	RoleTagColor string `json:"role_tag_color,omitempty"`
	AvatarRef    string `json:"avatar_ref,omitempty"`
}

// ChatMessage is one relayed chat message.
type ChatMessage struct {
	ID           string         `json:"id"`
	Author       Author         `json:"author"`
	Text         string         `json:"text,omitempty"`
	MediaRef     string         `json:"media_ref,omitempty"`
	MediaType    string         `json:"media_type,omitempty"`
	ReplyToID    string         `json:"reply_to_id,omitempty"`
	ReplyPreview *ReplyPreview  `json:"reply_preview,omitempty"`
	LinkPreview  *LinkPreview   `json:"link_preview,omitempty"`
	Reactions    map[string]int `json:"reactions"`
	SentAt       int64          `json:"sent_at"` // Unix ms
}

// ReplyPreview is a compact preview of the message being replied to.
type ReplyPreview struct {
	MessageID   string `json:"message_id"`
	DisplayName string `json:"display_name"`
	Text        string `json:"text,omitempty"`
}

// LinkPreview is OpenGraph metadata for the first URL in a message.
type LinkPreview struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Image       string `json:"image,omitempty"`
	SiteName    string `json:"site_name,omitempty"`
}

// Media is one entry of the per-epoch media gallery.
type Media struct {
	MessageID string `json:"message_id"`
	MediaRef  string `json:"media_ref"`
	MediaType string `json:"media_type,omitempty"`
	SentAt    int64  `json:"sent_at"`
}

// String returns a pointer to s, for building patches.
func String(s string) *string { return &s }

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }

// Int returns a pointer to n.
func Int(n int) *int { return &n }
