package protocol

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ChannelLabel tags the role of a named host channel.
type ChannelLabel string

const (
	LabelSession ChannelLabel = "SESSION"
	LabelStream  ChannelLabel = "STREAM"
)

// ChannelName is a parsed host channel name.
type ChannelName struct {
	Session string
	Label   ChannelLabel
	Token   string
}

// Compose derives the channel name for a session and label. The host side
// recognizes session and role from the name alone.
func Compose(session string, label ChannelLabel) string {
	return session + " " + string(label)
}

// ComposeStream derives a stream channel name disambiguated by token.
func ComposeStream(session, token string) string {
	return Compose(session, LabelStream) + " " + token
}

// NewStreamName returns a stream channel name with a fresh random token.
func NewStreamName(session string) string {
	return ComposeStream(session, uuid.NewString())
}

// String renders the name back to its wire form.
func (n ChannelName) String() string {
	if n.Token != "" {
		return ComposeStream(n.Session, n.Token)
	}
	return Compose(n.Session, n.Label)
}

// ParseName splits a composed channel name. Session names may contain spaces;
// the label is located from the right.
func ParseName(name string) (ChannelName, error) {
	parts := strings.Split(name, " ")
	if len(parts) < 2 {
		return ChannelName{}, fmt.Errorf("%w: %q", ErrInvalidChannelName, name)
	}
	last := parts[len(parts)-1]
	switch ChannelLabel(last) {
	case LabelSession, LabelStream:
		session := strings.Join(parts[:len(parts)-1], " ")
		if strings.TrimSpace(session) == "" {
			return ChannelName{}, fmt.Errorf("%w: %q", ErrInvalidChannelName, name)
		}
		return ChannelName{Session: session, Label: ChannelLabel(last)}, nil
	}
	if len(parts) < 3 || ChannelLabel(parts[len(parts)-2]) != LabelStream {
		return ChannelName{}, fmt.Errorf("%w: %q", ErrUnknownLabel, name)
	}
	session := strings.Join(parts[:len(parts)-2], " ")
	if strings.TrimSpace(session) == "" || last == "" {
		return ChannelName{}, fmt.Errorf("%w: %q", ErrInvalidChannelName, name)
	}
	return ChannelName{Session: session, Label: LabelStream, Token: last}, nil
}
