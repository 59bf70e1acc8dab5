package wire

import (
	"encoding/binary"
	"errors"
)

// ErrTruncatedString is returned when a length-prefixed string's declared
// length runs past the end of the buffer.
var ErrTruncatedString = errors.New("wire: truncated length-prefixed string")

// ChatMessage flag bits.
const (
	ChatFlagIsRelay               uint8 = 0x01
	ChatFlagIsPrivate             uint8 = 0x02
	ChatFlagHasOriginalSender     uint8 = 0x04
	ChatFlagHasRecipientNickname  uint8 = 0x08
	ChatFlagHasSenderPeerID       uint8 = 0x10
	ChatFlagHasMentions           uint8 = 0x20
)

// ChatMessage is the inner payload carried by a TypeMessage packet.
type ChatMessage struct {
	Flags              uint8
	Timestamp          uint64
	ID                 string
	Sender             string
	Content            string
	OriginalSender     string
	RecipientNickname  string
	SenderPeerID       string
	Mentions           []string
}

// IsRelay reports whether the relay flag is set.
func (m *ChatMessage) IsRelay() bool { return m.Flags&ChatFlagIsRelay != 0 }

// IsPrivate reports whether the private-message flag is set.
func (m *ChatMessage) IsPrivate() bool { return m.Flags&ChatFlagIsPrivate != 0 }

func putString(buf []byte, s string) []byte {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, s...)
	return buf
}

func getString(buf []byte, offset int) (string, int, error) {
	if len(buf) < offset+2 {
		return "", 0, ErrTruncatedString
	}
	n := int(binary.BigEndian.Uint16(buf[offset:]))
	offset += 2
	if len(buf) < offset+n {
		return "", 0, ErrTruncatedString
	}
	s := string(buf[offset : offset+n])
	return s, offset + n, nil
}

// recomputeFlags derives the optional-field flags from which optional
// fields are actually populated, so callers never have to keep the two
// in sync by hand.
func (m *ChatMessage) recomputeFlags() uint8 {
	flags := m.Flags &^ (ChatFlagHasOriginalSender | ChatFlagHasRecipientNickname | ChatFlagHasSenderPeerID | ChatFlagHasMentions)
	if m.OriginalSender != "" {
		flags |= ChatFlagHasOriginalSender
	}
	if m.RecipientNickname != "" {
		flags |= ChatFlagHasRecipientNickname
	}
	if m.SenderPeerID != "" {
		flags |= ChatFlagHasSenderPeerID
	}
	if len(m.Mentions) > 0 {
		flags |= ChatFlagHasMentions
	}
	return flags
}

// EncodeChatMessage serializes a ChatMessage per spec.md §3.
func EncodeChatMessage(m *ChatMessage) []byte {
	flags := m.recomputeFlags()

	buf := make([]byte, 0, 64+len(m.Content))
	buf = append(buf, flags)

	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], m.Timestamp)
	buf = append(buf, tsBuf[:]...)

	buf = putString(buf, m.ID)
	buf = putString(buf, m.Sender)
	buf = putString(buf, m.Content)

	if flags&ChatFlagHasOriginalSender != 0 {
		buf = putString(buf, m.OriginalSender)
	}
	if flags&ChatFlagHasRecipientNickname != 0 {
		buf = putString(buf, m.RecipientNickname)
	}
	if flags&ChatFlagHasSenderPeerID != 0 {
		buf = putString(buf, m.SenderPeerID)
	}
	if flags&ChatFlagHasMentions != 0 {
		buf = append(buf, uint8(len(m.Mentions)))
		for _, mention := range m.Mentions {
			buf = putString(buf, mention)
		}
	}

	return buf
}

// DecodeChatMessage parses bytes produced by EncodeChatMessage.
func DecodeChatMessage(buf []byte) (*ChatMessage, error) {
	if len(buf) < 1+8 {
		return nil, ErrShortBuffer
	}

	m := &ChatMessage{}
	offset := 0

	m.Flags = buf[offset]
	offset++

	m.Timestamp = binary.BigEndian.Uint64(buf[offset:])
	offset += 8

	var err error
	m.ID, offset, err = getString(buf, offset)
	if err != nil {
		return nil, err
	}
	m.Sender, offset, err = getString(buf, offset)
	if err != nil {
		return nil, err
	}
	m.Content, offset, err = getString(buf, offset)
	if err != nil {
		return nil, err
	}

	if m.Flags&ChatFlagHasOriginalSender != 0 {
		m.OriginalSender, offset, err = getString(buf, offset)
		if err != nil {
			return nil, err
		}
	}
	if m.Flags&ChatFlagHasRecipientNickname != 0 {
		m.RecipientNickname, offset, err = getString(buf, offset)
		if err != nil {
			return nil, err
		}
	}
	if m.Flags&ChatFlagHasSenderPeerID != 0 {
		m.SenderPeerID, offset, err = getString(buf, offset)
		if err != nil {
			return nil, err
		}
	}
	if m.Flags&ChatFlagHasMentions != 0 {
		if len(buf) < offset+1 {
			return nil, ErrShortBuffer
		}
		count := int(buf[offset])
		offset++
		m.Mentions = make([]string, count)
		for i := 0; i < count; i++ {
			m.Mentions[i], offset, err = getString(buf, offset)
			if err != nil {
				return nil, err
			}
		}
	}

	return m, nil
}
