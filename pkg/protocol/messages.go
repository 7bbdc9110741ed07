package protocol

import (
	"bytes"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/drcloud/drcloud/pkg/task"
)

// Status is the lifecycle state reported for a run.
type Status string

const (
	StatusWaiting Status = "waiting"
	StatusStarted Status = "started"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Terminal reports whether no further status follows s.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Message payload structs declare their fields in JSON key order so that
// marshaled output is sorted.

// Hello is a node announcing itself to the control plane.
type Hello struct {
	FQDN string `json:"fqdn" validate:"required,dns"`
	IP   string `json:"ip" validate:"required,ip"`
}

// Hi is the control plane accepting a node and telling it its name, IP and
// service IP.
type Hi struct {
	IP        string `json:"ip" validate:"required,ipv6"`
	Name      string `json:"name" validate:"required,dns"`
	Service   string `json:"service" validate:"required,dns"`
	ServiceIP string `json:"service_ip" validate:"required,ipv6"`
}

// Chill asks a node to pause for a spell. Seconds is capped at one year.
type Chill struct {
	Seconds int `json:"seconds" validate:"gte=0,lte=31536000"`
}

// DefaultChillSeconds is used when a Chill omits seconds.
const DefaultChillSeconds = 10

// UnmarshalJSON fills DefaultChillSeconds only when seconds is absent; an
// explicit zero stays zero.
func (c *Chill) UnmarshalJSON(data []byte) error {
	var w struct {
		Seconds *int `json:"seconds"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return err
	}
	c.Seconds = DefaultChillSeconds
	if w.Seconds != nil {
		c.Seconds = *w.Seconds
	}
	return nil
}

// Network maps names to service IPs and service IPs to upstream addresses.
type Network struct {
	// Forwards maps a service IPv6 address to the addresses behind it.
	Forwards map[string][]string `json:"forwards,omitempty" validate:"omitempty,dive,keys,ipv6,endkeys,dive,ip"`

	// Names maps a fully qualified name to its service IPv6 address.
	Names map[string]string `json:"names,omitempty" validate:"omitempty,dive,keys,dns,endkeys,ipv6"`
}

// NetSpec sends a node the network it should configure.
type NetSpec struct {
	Network  Network   `json:"network"`
	Revision uuid.UUID `json:"revision" validate:"required"`
}

// NetPhase is the progress of a network update.
type NetPhase string

const (
	NetWaiting  NetPhase = "waiting"
	NetStarted  NetPhase = "started"
	NetFinished NetPhase = "finished"
	NetFailed   NetPhase = "failed"
)

// NetStatus reports how applying a NetSpec went.
type NetStatus struct {
	Message  string    `json:"message" validate:"max=512"`
	Revision uuid.UUID `json:"revision"`
	Status   NetPhase  `json:"status" validate:"required,oneof=waiting started finished failed"`
}

// NetReport asks a node for its network state since a revision.
type NetReport struct {
	Since uuid.UUID `json:"since"`
}

// NetState is a node's network information.
type NetState struct {
	Network   Network     `json:"network"`
	Revisions []uuid.UUID `json:"revisions" validate:"max=16"`
}

// Run sends a task to run.
type Run struct {
	Task task.Task `json:"task"`
	UUID uuid.UUID `json:"uuid" validate:"required"`
}

// RunStatus reports the progress of a Run, with captured output.
type RunStatus struct {
	E       []task.Line `json:"e,omitempty" validate:"max=128"`
	Message string      `json:"message,omitempty"`
	O       []task.Line `json:"o,omitempty" validate:"max=128"`
	Status  Status      `json:"status" validate:"required,oneof=waiting started success failed"`
	UUID    uuid.UUID   `json:"uuid" validate:"required"`
}

func (m *Hello) TypeName() string     { return "drcloud.Hello" }
func (m *Hi) TypeName() string        { return "drcloud.Hi" }
func (m *Chill) TypeName() string     { return "drcloud.Chill" }
func (m *NetSpec) TypeName() string   { return "drcloud.NetSpec" }
func (m *NetStatus) TypeName() string { return "drcloud.NetStatus" }
func (m *NetReport) TypeName() string { return "drcloud.NetReport" }
func (m *NetState) TypeName() string  { return "drcloud.NetState" }
func (m *Run) TypeName() string       { return "drcloud.Run" }
func (m *RunStatus) TypeName() string { return "drcloud.RunStatus" }

// Validate checks the embedded task beyond its struct tags.
func (m *Run) Validate() error {
	return m.Task.Validate()
}
