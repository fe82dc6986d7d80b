package store

import "time"

// Mail account types supported by the aggregator.
const (
	TypeOutlook = "outlook"
	TypeIMAP    = "imap"
	TypeGmail   = "gmail"
	TypeQQ      = "qq"
)

// User is an account that owns mailboxes. The first registered user becomes
// the administrator.
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	IsAdmin   bool      `json:"is_admin"`
	CreatedAt time.Time `json:"created_at"`
}

// Mailbox is a connected mail account. Password and RefreshToken are stored
// encrypted and returned decrypted.
type Mailbox struct {
	ID              int64      `json:"id"`
	UserID          int64      `json:"user_id"`
	Email           string     `json:"email"`
	Password        string     `json:"password,omitempty"`
	ClientID        string     `json:"client_id,omitempty"`
	RefreshToken    string     `json:"refresh_token,omitempty"`
	MailType        string     `json:"mail_type"`
	Server          string     `json:"server,omitempty"`
	Port            int        `json:"port,omitempty"`
	UseSSL          bool       `json:"use_ssl"`
	RealtimeEnabled bool       `json:"realtime_enabled"`
	LastCheckTime   *time.Time `json:"last_check_time,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// IsOutlook reports whether the mailbox is fetched via Microsoft Graph.
func (m *Mailbox) IsOutlook() bool { return m.MailType == TypeOutlook }

// MailRecord is one stored message. The tuple (mailbox, subject, sender,
// received_time) identifies a message; re-inserting it is a no-op.
type MailRecord struct {
	ID             int64     `json:"id"`
	MailboxID      int64     `json:"email_id"`
	Subject        string    `json:"subject"`
	Sender         string    `json:"sender"`
	ReceivedTime   time.Time `json:"received_time"`
	Content        string    `json:"content"`
	Folder         string    `json:"folder"`
	HasAttachments bool      `json:"has_attachments"`
	CreatedAt      time.Time `json:"created_at"`

	// RecipientEmail is filled on cross-mailbox listings.
	RecipientEmail string `json:"recipient_email,omitempty"`
}

// Attachment is a stored message attachment.
type Attachment struct {
	ID          int64  `json:"id"`
	MailID      int64  `json:"mail_id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Content     []byte `json:"-"`
}

// PlatformRule is a user-defined classification rule. A rule matches a
// message when every non-empty pattern occurs (case-insensitive) in the
// corresponding field.
type PlatformRule struct {
	ID             int64     `json:"id"`
	UserID         int64     `json:"user_id"`
	PlatformName   string    `json:"platform_name"`
	SenderPattern  string    `json:"sender_pattern,omitempty"`
	SubjectPattern string    `json:"subject_pattern,omitempty"`
	ContentPattern string    `json:"content_pattern,omitempty"`
	Enabled        bool      `json:"is_enabled"`
	CreatedAt      time.Time `json:"created_at"`
}

// PlatformCorrection maps a sender domain to the platform name a user has
// confirmed, overriding rules and heuristics.
type PlatformCorrection struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	SenderDomain string    `json:"sender_domain"`
	PlatformName string    `json:"platform_name"`
	CreatedAt    time.Time `json:"created_at"`
}

// Subscription is a Microsoft Graph change subscription tracked for renewal.
type Subscription struct {
	ID             int64     `json:"id"`
	MailboxID      int64     `json:"email_id"`
	SubscriptionID string    `json:"subscription_id"`
	Resource       string    `json:"resource"`
	ExpirationTime time.Time `json:"expiration_time"`
	CreatedAt      time.Time `json:"created_at"`
}
