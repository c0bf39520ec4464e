package mb

import (
	"strconv"

	"github.com/nrfta/go-sbqueue"
)

// Header names carrying Service Broker metadata next to a forwarded body.
const (
	HeaderConversation   = "Sbq-Conversation"
	HeaderMessageType    = "Sbq-Message-Type"
	HeaderSequenceNumber = "Sbq-Sequence-Number"
	HeaderService        = "Sbq-Service"
	HeaderContract       = "Sbq-Contract"
	HeaderDelivery       = "Sbq-Delivery"
	HeaderError          = "Sbq-Error"
)

// Headers returns the metadata of msg as header key/value pairs. Empty
// values are left out.
func Headers(msg sbqueue.Message) map[string]string {
	h := map[string]string{
		HeaderConversation:   msg.Conversation.String(),
		HeaderSequenceNumber: strconv.FormatInt(msg.SequenceNumber, 10),
	}

	if msg.MessageType != "" {
		h[HeaderMessageType] = msg.MessageType
	}
	if msg.Service != "" {
		h[HeaderService] = msg.Service
	}
	if msg.Contract != "" {
		h[HeaderContract] = msg.Contract
	}
	if msg.Delivery != "" {
		h[HeaderDelivery] = msg.Delivery
	}

	return h
}

// DeadLetterHeaders is Headers plus the error that sent msg to the DLQ.
func DeadLetterHeaders(msg sbqueue.Message, cause error) map[string]string {
	h := Headers(msg)
	if cause != nil {
		h[HeaderError] = cause.Error()
	}

	return h
}
