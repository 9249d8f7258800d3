package app

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/foodmind/billing-service/internal/domain"
)

// Parse failure tags returned to the caller in the "error" field.
const (
	ParseEmptyBody      = "EMPTY_BODY"
	ParseBadEncoding    = "BAD_ENCODING"
	ParseInvalidJSON    = "INVALID_JSON"
	ParseNotObject      = "NOT_OBJECT"
	ParseInvalidPayload = "invalid_payload"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ParseError is a named webhook body rejection. Line and Column are 1-based
// and only set for INVALID_JSON.
type ParseError struct {
	Tag     string `json:"error"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s: %s (line %d, column %d)", e.Tag, e.Message, e.Line, e.Column)
	}
	return fmt.Sprintf("%s: %s", e.Tag, e.Message)
}

// ParsedWebhook is a body that passed every check.
type ParsedWebhook struct {
	Payload      json.RawMessage
	Notification domain.Notification
}

// ParseWebhookBody validates a raw notification body. A leading UTF-8 BOM is
// stripped before decoding and is not an error.
func ParseWebhookBody(body []byte) (*ParsedWebhook, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, &ParseError{Tag: ParseEmptyBody, Message: "request body is empty"}
	}

	body = bytes.TrimPrefix(body, utf8BOM)
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, &ParseError{Tag: ParseEmptyBody, Message: "request body is empty"}
	}
	if !utf8.Valid(body) {
		return nil, &ParseError{Tag: ParseBadEncoding, Message: "request body is not valid UTF-8"}
	}

	var generic any
	if err := json.Unmarshal(body, &generic); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			line, column := lineAndColumn(body, syntaxErr.Offset)
			return nil, &ParseError{Tag: ParseInvalidJSON, Message: syntaxErr.Error(), Line: line, Column: column}
		}
		return nil, &ParseError{Tag: ParseInvalidJSON, Message: err.Error()}
	}
	if _, ok := generic.(map[string]any); !ok {
		return nil, &ParseError{Tag: ParseNotObject, Message: fmt.Sprintf("expected a JSON object, got %s", jsonKind(generic))}
	}

	var notification domain.Notification
	if err := json.Unmarshal(body, &notification); err != nil {
		return nil, &ParseError{Tag: ParseInvalidPayload, Message: err.Error()}
	}
	if strings.TrimSpace(notification.Event) == "" {
		return nil, &ParseError{Tag: ParseInvalidPayload, Message: "missing event"}
	}
	if strings.TrimSpace(notification.Object.ID) == "" {
		return nil, &ParseError{Tag: ParseInvalidPayload, Message: "missing object.id"}
	}

	return &ParsedWebhook{Payload: json.RawMessage(body), Notification: notification}, nil
}

// EventKey is the dedupe key of a notification: the id of the payment or
// refund object it carries.
func EventKey(n domain.Notification) string {
	return strings.TrimSpace(n.Object.ID)
}

// BodyFingerprint returns the first 16 hex characters of the body's sha256.
func BodyFingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])[:16]
}

// lineAndColumn converts a decoder byte offset into a 1-based position of the
// offending character.
func lineAndColumn(body []byte, offset int64) (int, int) {
	if offset > int64(len(body)) {
		offset = int64(len(body))
	}
	if offset < 1 {
		offset = 1
	}
	prefix := body[:offset]
	line := bytes.Count(prefix[:len(prefix)-1], []byte{'\n'}) + 1
	lastNewline := bytes.LastIndexByte(prefix[:len(prefix)-1], '\n')
	column := int(offset) - (lastNewline + 1)
	return line, column
}

func jsonKind(v any) string {
	switch v.(type) {
	case []any:
		return "array"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", v)
	}
}
