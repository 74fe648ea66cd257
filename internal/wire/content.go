// Package wire encodes and decodes the encrypted-content envelope that
// courier stores and retransmits. The envelope uses the protobuf wire
// format so that foreign clients can extend it; fields this package does
// not know about are preserved byte-for-byte across a decode/encode
// round trip.
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the content envelope.
const (
	fieldData        = 1
	fieldSKDM        = 2
	fieldNullPadding = 3
	fieldGroup       = 4
	fieldStory       = 5
)

// GroupContext ties a content envelope to a group at a specific revision.
type GroupContext struct {
	ID       []byte
	Revision uint32
}

// StoryContext marks content as a story broadcast to a distribution list.
type StoryContext struct {
	ListID string
}

// Content is the decoded envelope. Data holds the (already encrypted)
// data-message payload; SKDM holds a sender-key distribution message;
// NullPadding marks a content-free handshake message.
type Content struct {
	Data        []byte
	SKDM        []byte
	NullPadding []byte
	Group       *GroupContext
	Story       *StoryContext

	// unknown preserves fields we don't understand, in wire order.
	unknown []byte
}

// IsStory reports whether the envelope carries a story message.
func (c *Content) IsStory() bool { return c.Story != nil }

// Marshal encodes the envelope to protobuf wire bytes.
func (c *Content) Marshal() []byte {
	var b []byte
	if len(c.Data) > 0 {
		b = protowire.AppendTag(b, fieldData, protowire.BytesType)
		b = protowire.AppendBytes(b, c.Data)
	}
	if len(c.SKDM) > 0 {
		b = protowire.AppendTag(b, fieldSKDM, protowire.BytesType)
		b = protowire.AppendBytes(b, c.SKDM)
	}
	if len(c.NullPadding) > 0 {
		b = protowire.AppendTag(b, fieldNullPadding, protowire.BytesType)
		b = protowire.AppendBytes(b, c.NullPadding)
	}
	if c.Group != nil {
		var g []byte
		g = protowire.AppendTag(g, 1, protowire.BytesType)
		g = protowire.AppendBytes(g, c.Group.ID)
		g = protowire.AppendTag(g, 2, protowire.VarintType)
		g = protowire.AppendVarint(g, uint64(c.Group.Revision))
		b = protowire.AppendTag(b, fieldGroup, protowire.BytesType)
		b = protowire.AppendBytes(b, g)
	}
	if c.Story != nil {
		var s []byte
		s = protowire.AppendTag(s, 1, protowire.BytesType)
		s = protowire.AppendString(s, c.Story.ListID)
		b = protowire.AppendTag(b, fieldStory, protowire.BytesType)
		b = protowire.AppendBytes(b, s)
	}
	b = append(b, c.unknown...)
	return b
}

// Unmarshal decodes a content envelope from wire bytes.
func Unmarshal(data []byte) (*Content, error) {
	c := &Content{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("wire: consume tag: %w", protowire.ParseError(n))
		}
		fieldLen := protowire.ConsumeFieldValue(num, typ, data[n:])
		if fieldLen < 0 {
			return nil, fmt.Errorf("wire: field %d: %w", num, protowire.ParseError(fieldLen))
		}
		field := data[:n+fieldLen]
		value := data[n:][:fieldLen]
		data = data[n+fieldLen:]

		if typ != protowire.BytesType {
			c.unknown = append(c.unknown, field...)
			continue
		}
		raw, m := protowire.ConsumeBytes(value)
		if m < 0 {
			return nil, fmt.Errorf("wire: field %d bytes: %w", num, protowire.ParseError(m))
		}

		switch num {
		case fieldData:
			c.Data = append([]byte(nil), raw...)
		case fieldSKDM:
			c.SKDM = append([]byte(nil), raw...)
		case fieldNullPadding:
			c.NullPadding = append([]byte(nil), raw...)
		case fieldGroup:
			g, err := unmarshalGroup(raw)
			if err != nil {
				return nil, err
			}
			c.Group = g
		case fieldStory:
			s, err := unmarshalStory(raw)
			if err != nil {
				return nil, err
			}
			c.Story = s
		default:
			c.unknown = append(c.unknown, field...)
		}
	}
	return c, nil
}

func unmarshalGroup(data []byte) (*GroupContext, error) {
	g := &GroupContext{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("wire: group tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			id, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return nil, fmt.Errorf("wire: group id: %w", protowire.ParseError(m))
			}
			g.ID = append([]byte(nil), id...)
			data = data[m:]
		case num == 2 && typ == protowire.VarintType:
			rev, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return nil, fmt.Errorf("wire: group revision: %w", protowire.ParseError(m))
			}
			g.Revision = uint32(rev)
			data = data[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return nil, fmt.Errorf("wire: group field %d: %w", num, protowire.ParseError(m))
			}
			data = data[m:]
		}
	}
	return g, nil
}

func unmarshalStory(data []byte) (*StoryContext, error) {
	s := &StoryContext{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("wire: story tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		if num == 1 && typ == protowire.BytesType {
			id, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return nil, fmt.Errorf("wire: story list id: %w", protowire.ParseError(m))
			}
			s.ListID = string(id)
			data = data[m:]
			continue
		}
		m := protowire.ConsumeFieldValue(num, typ, data)
		if m < 0 {
			return nil, fmt.Errorf("wire: story field %d: %w", num, protowire.ParseError(m))
		}
		data = data[m:]
	}
	return s, nil
}

// InjectSKDM decodes stored envelope bytes, sets the sender-key
// distribution message, and re-encodes. Used when reconstructing a
// resend for a group member whose sender key may be stale. The inner
// data payload is never touched.
func InjectSKDM(envelope, skdm []byte) ([]byte, error) {
	c, err := Unmarshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("wire: inject skdm: %w", err)
	}
	c.SKDM = skdm
	return c.Marshal(), nil
}
