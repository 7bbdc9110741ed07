// Package protocol defines the envelope every drcloud message travels in and
// the catalog of typed payloads it may carry.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/drcloud/drcloud/pkg/dns"
	"github.com/drcloud/drcloud/pkg/drerr"
)

// TimeLayout is the wire form of envelope timestamps.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Envelope addresses, timestamps and identifies one message.
type Envelope struct {
	// ID is unique per envelope and names its spool file.
	ID uuid.UUID `validate:"required"`

	// Channel is the service the envelope belongs to.
	Channel string `validate:"required,dns"`

	// Sender identifies the producer as component@host.
	Sender string `validate:"required,contains=@"`

	// Timestamp is the creation time in UTC.
	Timestamp time.Time `validate:"required"`

	// Refs are earlier envelopes this one answers or follows, in order.
	Refs []uuid.UUID

	// Data is the payload.
	Data Message `validate:"required"`

	// Type is the payload's wire discriminator. It is derived from Data when
	// marshaling and checked against Data when unmarshaling.
	Type string
}

// New builds an envelope for msg on channel with a fresh ID, the default
// sender and the current time.
func New(channel string, msg Message, refs ...uuid.UUID) *Envelope {
	if refs == nil {
		refs = []uuid.UUID{}
	}
	return &Envelope{
		ID:        uuid.New(),
		Channel:   channel,
		Sender:    DefaultSender("drcloud"),
		Timestamp: Now(),
		Refs:      refs,
		Data:      msg,
		Type:      msg.TypeName(),
	}
}

// From sets the sender and returns e.
func (e *Envelope) From(sender string) *Envelope {
	e.Sender = sender
	return e
}

// String identifies the envelope in logs.
func (e *Envelope) String() string {
	return fmt.Sprintf("Envelope(%s %s %s)", e.ID, e.Type, e.Channel)
}

// Now returns the current time truncated to wire precision.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// DefaultSender returns component@hostname, lowercased.
func DefaultSender(component string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return component + "@" + strings.ToLower(host)
}

// wire is the JSON form. Fields are declared in key order.
type wire struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
	Refs    []uuid.UUID     `json:"refs"`
	Sender  string          `json:"sender"`
	T       string          `json:"t"`
	Type    string          `json:"type"`
	UUID    *uuid.UUID      `json:"uuid"`
}

// Codec marshals and unmarshals envelopes against a catalog.
type Codec struct {
	catalog  *Catalog
	validate *validator.Validate
}

// NewCodec creates a codec for the given catalog.
func NewCodec(catalog *Catalog) *Codec {
	v := validator.New()
	if err := dns.RegisterValidation(v); err != nil {
		panic(fmt.Sprintf("protocol: %v", err))
	}
	return &Codec{catalog: catalog, validate: v}
}

var defaultCodec = NewCodec(DefaultCatalog)

// Marshal encodes e with the default codec.
func Marshal(e *Envelope) ([]byte, error) {
	return defaultCodec.Marshal(e)
}

// Unmarshal decodes an envelope with the default codec.
func Unmarshal(data []byte) (*Envelope, error) {
	return defaultCodec.Unmarshal(data)
}

// Marshal validates e and encodes it as indented JSON with sorted keys and
// a trailing newline. The type is derived from the payload.
func (c *Codec) Marshal(e *Envelope) ([]byte, error) {
	if e.Data == nil {
		return nil, drerr.Validationf("envelope %s has no payload", e.ID)
	}
	if e.Type != "" && e.Type != e.Data.TypeName() {
		return nil, drerr.Validationf("envelope type %q disagrees with payload %s", e.Type, e.Data.TypeName())
	}
	e.Type = e.Data.TypeName()
	// The wire carries microseconds; e is left equal to what Unmarshal returns.
	e.Timestamp = e.Timestamp.Truncate(time.Microsecond)
	if _, err := c.catalog.New(e.Type); err != nil {
		return nil, err
	}
	if err := c.check(e); err != nil {
		return nil, err
	}

	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	refs := e.Refs
	if refs == nil {
		refs = []uuid.UUID{}
	}
	id := e.ID
	w := wire{
		Channel: e.Channel,
		Data:    data,
		Refs:    refs,
		Sender:  e.Sender,
		T:       e.Timestamp.UTC().Format(TimeLayout),
		Type:    e.Type,
		UUID:    &id,
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(w); err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes and validates an envelope. A missing uuid, sender,
// timestamp or refs takes its default. The payload type comes from the type
// field when present, otherwise from structural matching; either way the
// payload must fit the type exactly.
func (c *Codec) Unmarshal(data []byte) (*Envelope, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, drerr.Validation("malformed envelope", err).WithOp("unmarshal")
	}
	if len(w.Data) == 0 || string(w.Data) == "null" {
		return nil, drerr.Validationf("envelope has no data").WithOp("unmarshal")
	}

	name := w.Type
	if name == "" {
		matched, err := c.catalog.Match(w.Data)
		if err != nil {
			return nil, err
		}
		name = matched
	}
	msg, err := c.catalog.Decode(name, w.Data)
	if err != nil {
		return nil, err
	}

	e := &Envelope{
		Channel: w.Channel,
		Sender:  w.Sender,
		Refs:    w.Refs,
		Data:    msg,
		Type:    name,
	}
	if w.UUID != nil {
		e.ID = *w.UUID
	} else {
		e.ID = uuid.New()
	}
	if e.Sender == "" {
		e.Sender = DefaultSender("drcloud")
	}
	if e.Refs == nil {
		e.Refs = []uuid.UUID{}
	}
	if w.T == "" {
		e.Timestamp = Now()
	} else {
		t, err := time.Parse(time.RFC3339Nano, w.T)
		if err != nil {
			return nil, drerr.Validation("invalid timestamp", err).WithOp("unmarshal")
		}
		e.Timestamp = t.UTC()
	}

	if err := c.check(e); err != nil {
		return nil, err
	}
	return e, nil
}

func (c *Codec) check(e *Envelope) error {
	if err := c.validate.Struct(e); err != nil {
		return describe("envelope", err)
	}
	if err := c.validate.Struct(e.Data); err != nil {
		return describe(e.Type, err)
	}
	if v, ok := e.Data.(validatable); ok {
		if err := v.Validate(); err != nil {
			return drerr.Validation("invalid "+e.Type, err)
		}
	}
	return nil
}

func describe(what string, err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		f := verrs[0]
		return drerr.Validation(fmt.Sprintf("invalid %s: field %s failed %s", what, f.Namespace(), f.Tag()), err)
	}
	return drerr.Validation("invalid "+what, err)
}
