package transport

import "context"

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

// Sender is the identity attached to an inbound update.
// Username and name fields may be empty (Telegram does not require them).
type Sender struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
}

type Message struct {
	ID      int
	ChatID  int64
	From    Sender
	Text    string
	IsGroup bool

	// Command is the parsed "/cmd" token (without slash, bot mention stripped);
	// empty for ordinary messages. Args is the rest of the text split on spaces.
	Command string
	Args    []string

	// ReplyTo is set when the message replies to another message.
	ReplyTo *ReplyRef
}

// ReplyRef describes the message a command replies to.
// Broadcast-in-reply copies it; restore reads its document.
type ReplyRef struct {
	MessageID int
	Text      string
	Caption   string
	Document  *Document
}

// Document is an attached file on a replied-to message.
type Document struct {
	FileID   string
	UniqueID string
	FileName string
}

type Callback struct {
	ID        string
	From      Sender
	ChatID    int64
	MessageID int
	Data      string

	// MessageHasPhoto reports whether the message carrying the inline keyboard
	// is a photo message. Photo views are edited via caption, text views via text.
	MessageHasPhoto bool
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

// InlineButton is one callback button; pressing it delivers Data back
// as a Callback update.
type InlineButton struct {
	Text string
	Data string
}

// InlineKeyboard is rows of callback buttons attached to a message.
type InlineKeyboard [][]InlineButton

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Protected      bool
	Keyboard       InlineKeyboard
}

// Adapter is the outbound/inbound boundary to the messaging platform.
//
// Send/edit calls return errors classified into the transport error taxonomy
// (see errors.go) so callers can branch on blocked/rate-limited/transient
// without knowing the platform library.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendPhoto(ctx context.Context, to ChatTarget, photoURL, caption string, opt *SendOptions) (MessageRef, error)
	SendDocument(ctx context.Context, to ChatTarget, path, caption string) (MessageRef, error)

	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	EditCaption(ctx context.Context, ref MessageRef, caption string, opt *SendOptions) error

	// Copy duplicates an existing message to another recipient without the
	// "forwarded from" header.
	Copy(ctx context.Context, to ChatTarget, src MessageRef) error
	Delete(ctx context.Context, ref MessageRef) error

	AnswerCallback(ctx context.Context, callbackID, text string, alert bool) error

	// Download fetches a platform-hosted file to a local path.
	Download(ctx context.Context, fileID, dst string) error
}
