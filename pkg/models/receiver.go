package models

import "time"

// BatchOperation selects how a receiver's batch window combines the reports
// it drains.
type BatchOperation string

const (
	// BatchMerge combines all ready reports into one.
	BatchMerge BatchOperation = "MERGE"
	// BatchNone passes ready reports through individually.
	BatchNone BatchOperation = "NONE"
)

// Timing is a receiver's batch policy. A zero Timing means the receiver
// takes direct SENDs and never batches.
type Timing struct {
	// WindowMinutes is the cadence at which the batch window closes,
	// measured from midnight UTC.
	WindowMinutes int `yaml:"windowMinutes"`
	// MaxReportCount bounds how many reports one batch message may claim.
	MaxReportCount int            `yaml:"maxReportCount"`
	Operation      BatchOperation `yaml:"operation"`
	// SingleItemFormat forces post-merge splitting to one item per report.
	SingleItemFormat bool `yaml:"singleItemFormat"`
}

// Batches reports whether the receiver accumulates reports for windowed
// batching at all.
func (t Timing) Batches() bool {
	return t.WindowMinutes > 0 && t.MaxReportCount > 0
}

// WindowClosedWithin reports whether a batch window boundary fell inside
// (now-interval, now]. The decider calls this once per tick so each closing
// window is seen exactly once.
func (t Timing) WindowClosedWithin(now time.Time, interval time.Duration) bool {
	if !t.Batches() {
		return false
	}
	window := time.Duration(t.WindowMinutes) * time.Minute
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	sinceMidnight := now.UTC().Sub(midnight)
	lastClose := midnight.Add(sinceMidnight.Truncate(window))
	return lastClose.After(now.Add(-interval)) && !lastClose.After(now)
}

// TransportConfig describes one delivery channel of a receiver. Kind selects
// the driver; the remaining fields are interpreted by it.
type TransportConfig struct {
	Kind     string `yaml:"kind"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Path     string `yaml:"path"`
}

// Receiver is the flat configuration of one destination: identity, batch
// policy, output format, and an ordered transport list. Read-only to the
// pipeline; owned by the settings provider.
type Receiver struct {
	Name             string            `yaml:"name"`
	OrganizationName string            `yaml:"organizationName"`
	SchemaName       string            `yaml:"schemaName"`
	Format           BodyFormat        `yaml:"format"`
	Timing           Timing            `yaml:"timing"`
	Transports       []TransportConfig `yaml:"transports"`
}

// FullName is the org.service form used on task rows and queue messages.
func (r Receiver) FullName() string {
	return r.OrganizationName + "." + r.Name
}

// Organization groups receivers and senders under one name.
type Organization struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description"`
	Receivers   []Receiver `yaml:"receivers"`
	Senders     []Sender   `yaml:"senders"`
}

// Sender identifies a reporting source and the schema/format it submits in.
type Sender struct {
	Name             string     `yaml:"name"`
	OrganizationName string     `yaml:"organizationName"`
	SchemaName       string     `yaml:"schemaName"`
	Format           BodyFormat `yaml:"format"`
}

// FullName is the org.sender form recorded in action history.
func (s Sender) FullName() string {
	return s.OrganizationName + "." + s.Name
}
