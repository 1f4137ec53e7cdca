package messaging

import "github.com/nats-io/nats.go"

// HeaderContentType is the message header naming the payload type
const HeaderContentType = "content-type"

// Content types understood by the framework
const (
	ContentTypeConfig         = "application/config"
	ContentTypeAvro           = "application/avro"
	ContentTypeServiceCommand = "application/service-command"
)

// ContentType returns the content type header of msg, or "" if absent
func ContentType(msg *nats.Msg) string {
	if msg == nil || msg.Header == nil {
		return ""
	}
	return msg.Header.Get(HeaderContentType)
}

// NewMessage builds a message for subject with the content type header set
func NewMessage(subject, contentType string, data []byte) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Data = data
	if contentType != "" {
		msg.Header.Set(HeaderContentType, contentType)
	}
	return msg
}
