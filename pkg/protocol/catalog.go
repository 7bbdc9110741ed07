package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/drcloud/drcloud/pkg/drerr"
)

// Message is a typed envelope payload.
type Message interface {
	// TypeName is the wire discriminator, e.g. "drcloud.Hello".
	TypeName() string
}

type validatable interface {
	Validate() error
}

// Catalog is the closed set of message types an envelope may carry.
type Catalog struct {
	types  map[string]reflect.Type
	fields map[string]map[string]bool
	names  []string
}

// NewCatalog builds a catalog from prototype messages. Each prototype must
// be a pointer to a struct.
func NewCatalog(prototypes ...Message) *Catalog {
	c := &Catalog{
		types:  make(map[string]reflect.Type),
		fields: make(map[string]map[string]bool),
	}
	for _, p := range prototypes {
		c.Register(p)
	}
	return c
}

// Register adds a message type.
func (c *Catalog) Register(prototype Message) {
	t := reflect.TypeOf(prototype)
	if t.Kind() != reflect.Pointer || t.Elem().Kind() != reflect.Struct {
		panic(fmt.Sprintf("protocol: message %T must be a pointer to a struct", prototype))
	}
	name := prototype.TypeName()
	if _, dup := c.types[name]; !dup {
		c.names = append(c.names, name)
		sort.Strings(c.names)
	}
	c.types[name] = t.Elem()
	c.fields[name] = jsonFields(t.Elem())
}

// Names lists the registered type names, sorted.
func (c *Catalog) Names() []string {
	return append([]string(nil), c.names...)
}

// New returns a fresh zero message of the named type.
func (c *Catalog) New(name string) (Message, error) {
	t, ok := c.types[name]
	if !ok {
		return nil, drerr.Validationf("unknown message type %q", name)
	}
	return reflect.New(t).Interface().(Message), nil
}

// Decode decodes data as the named type. Fields outside the type's field
// set make the payload disagree with its declared type.
func (c *Catalog) Decode(name string, data json.RawMessage) (Message, error) {
	msg, err := c.New(name)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(msg); err != nil {
		return nil, drerr.Validation(fmt.Sprintf("payload does not match type %s", name), err)
	}
	return msg, nil
}

// Match infers the type of a payload that carries no discriminator. A type
// matches when the payload's keys are non-empty, intersect the type's fields
// and are all among them. Anything but exactly one match is rejected.
func (c *Catalog) Match(data json.RawMessage) (string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", drerr.Validation("payload is not an object", err)
	}
	if len(raw) == 0 {
		return "", drerr.Validationf("empty payload matches no message type")
	}

	var matches []string
	for _, name := range c.names {
		fields := c.fields[name]
		subset := true
		for k := range raw {
			if !fields[k] {
				subset = false
				break
			}
		}
		if subset {
			matches = append(matches, name)
		}
	}

	switch len(matches) {
	case 0:
		return "", drerr.Validationf("payload matches no message type")
	case 1:
		return matches[0], nil
	default:
		return "", drerr.Validationf("payload is ambiguous between %s", strings.Join(matches, ", "))
	}
}

func jsonFields(t reflect.Type) map[string]bool {
	fields := make(map[string]bool)
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = f.Name
		}
		fields[name] = true
	}
	return fields
}

// DefaultCatalog holds every drcloud message type.
var DefaultCatalog = NewCatalog(
	&Hello{},
	&Hi{},
	&Chill{},
	&NetSpec{},
	&NetStatus{},
	&NetReport{},
	&NetState{},
	&Run{},
	&RunStatus{},
)
