// Package telegram wraps the chat platform's Bot API behind a typed client
// with retry, backoff and error classification. The rest of the broker never
// touches the wire format directly.
package telegram

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// ErrInvalidUpdate marks webhook bodies that do not parse into an update.
var ErrInvalidUpdate = errors.New("telegram: invalid update payload")

// Update is one inbound webhook delivery. Only the fields the broker consumes
// are modeled; the raw payload travels through the queue untouched.
type Update struct {
	UpdateID      int64    `json:"update_id"`
	Message       *Message `json:"message,omitempty"`
	EditedMessage *Message `json:"edited_message,omitempty"`
}

// Msg returns the effective message of the update, edited or not.
func (u *Update) Msg() *Message {
	if u.Message != nil {
		return u.Message
	}
	return u.EditedMessage
}

type Message struct {
	MessageID       int64  `json:"message_id"`
	From            *User  `json:"from,omitempty"`
	Chat            *Chat  `json:"chat,omitempty"`
	Date            int64  `json:"date"`
	Text            string `json:"text,omitempty"`
	Caption         string `json:"caption,omitempty"`
	MessageThreadID int64  `json:"message_thread_id,omitempty"`
}

// Body returns the message text, falling back to a media caption.
func (m *Message) Body() string {
	if m.Text != "" {
		return m.Text
	}
	return m.Caption
}

// IsCommand reports whether the message starts a bot command.
func (m *Message) IsCommand() bool {
	return strings.HasPrefix(m.Text, "/")
}

// Command returns the command name without the leading slash or a bot
// mention suffix ("/bind@SupportBot" parses as "bind").
func (m *Message) Command() string {
	if !m.IsCommand() {
		return ""
	}
	cmd := strings.Fields(m.Text)[0][1:]
	if at := strings.Index(cmd, "@"); at >= 0 {
		cmd = cmd[:at]
	}
	return cmd
}

// CommandArgs returns the arguments following the command.
func (m *Message) CommandArgs() []string {
	if !m.IsCommand() {
		return nil
	}
	fields := strings.Fields(m.Text)
	return fields[1:]
}

type User struct {
	ID           int64  `json:"id"`
	IsBot        bool   `json:"is_bot"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name,omitempty"`
	UserName     string `json:"username,omitempty"`
	LanguageCode string `json:"language_code,omitempty"`
}

// DisplayName returns the best human-readable name for the user.
func (u *User) DisplayName() string {
	switch {
	case u == nil:
		return ""
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	case u.UserName != "":
		return "@" + u.UserName
	default:
		return ""
	}
}

type Chat struct {
	ID    int64  `json:"id"`
	Type  string `json:"type"` // private | group | supergroup | channel
	Title string `json:"title,omitempty"`
}

// IsPrivate reports whether the chat is a direct conversation with a user.
func (c *Chat) IsPrivate() bool {
	return c != nil && c.Type == "private"
}

// IsGroup reports whether the chat is any kind of group.
func (c *Chat) IsGroup() bool {
	return c != nil && (c.Type == "group" || c.Type == "supergroup")
}

type ChatMember struct {
	Status string `json:"status"`
	User   *User  `json:"user,omitempty"`
}

// ParseUpdate decodes a webhook body. An update must carry an update_id and
// at least one message variant to be routable.
func ParseUpdate(r io.Reader) (*Update, error) {
	var upd Update
	if err := json.NewDecoder(r).Decode(&upd); err != nil {
		return nil, errors.Wrap(ErrInvalidUpdate, err.Error())
	}
	if upd.UpdateID == 0 && upd.Msg() == nil {
		return nil, errors.Wrap(ErrInvalidUpdate, "no routable content")
	}
	return &upd, nil
}
