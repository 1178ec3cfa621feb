package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ID is an upstream identifier. The workshop API emits some ids as JSON
// numbers and others as strings; both decode to the same value.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// Ticket is the read-only projection of an upstream service ticket.
type Ticket struct {
	ID           ID             `json:"id"`
	TicketNumber string         `json:"ticket_number"`
	State        string         `json:"state"`
	FinishedAt   *time.Time     `json:"finished_at"`
	CustomerID   ID             `json:"customer_id"`
	ChannelID    ID             `json:"channel_id"`
	LocationID   ID             `json:"location_id"`
	EmployeeID   ID             `json:"employee_id"`
	Vehicle      *TicketVehicle `json:"vehicle"`
}

type TicketVehicle struct {
	MakeID  ID `json:"make_id"`
	ModelID ID `json:"model_id"`
}

type Customer struct {
	ID    ID     `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type Location struct {
	ID      ID     `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
	Phone   string `json:"phone"`
}

type Employee struct {
	ID        ID     `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// Name joins the non-empty name parts.
func (e Employee) Name() string {
	return strings.TrimSpace(strings.TrimSpace(e.FirstName) + " " + strings.TrimSpace(e.LastName))
}

type VehicleMake struct {
	ID   ID     `json:"id"`
	Name string `json:"name"`
}

type VehicleModel struct {
	ID     ID     `json:"id"`
	Name   string `json:"name"`
	MakeID ID     `json:"make_id"`
}

// Page is one page of a page-numbered list endpoint.
type Page[T any] struct {
	Data        []T `json:"data"`
	CurrentPage int `json:"current_page"`
	LastPage    int `json:"last_page"`
}

func (p Page[T]) HasMore() bool {
	return p.CurrentPage > 0 && p.CurrentPage < p.LastPage
}

// Message is one entry in a messenger channel.
type Message struct {
	ID        ID        `json:"id"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Redacted  bool      `json:"redacted"`
	CreatedAt time.Time `json:"created_at"`
}

// MessagePage is one page of channel messages; NextToken is empty on the
// last page.
type MessagePage struct {
	Data      []Message `json:"data"`
	NextToken string    `json:"next_token"`
}

// SystemEvent is one entry of the system-events feed.
type SystemEvent struct {
	ID         ID           `json:"id"`
	Type       string       `json:"type"`
	OccurredAt time.Time    `json:"occurred_at"`
	Payload    EventPayload `json:"payload"`
}

type EventPayload struct {
	TicketID          ID   `json:"ticket_id"`
	ExternalProcessed bool `json:"external_processed"`
}

type EventPage struct {
	Data []SystemEvent `json:"data"`
}
